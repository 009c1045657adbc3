package models

import "time"

const (
	ROLE_ADMIN = "admin"
)

// Admin is an operator account. Admin tokens live in their own namespace and
// are never accepted on user routes.
type Admin struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Username    string     `gorm:"uniqueIndex;type:varchar(100)" json:"username"`
	Password    string     `gorm:"type:text" json:"-"`
	Name        string     `gorm:"type:varchar(150)" json:"name"`
	Role        string     `gorm:"type:varchar(50);default:'admin'" json:"role"`
	LastLoginAt *time.Time `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Admin) CheckPassword(password string) bool {
	return CheckPasswordHash(password, a.Password)
}
