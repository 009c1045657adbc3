package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
)

type adminRepository struct {
	db *gorm.DB
}

// NewAdminRepository creates a new admin repository instance
func NewAdminRepository(db *gorm.DB) AdminRepository {
	return &adminRepository{db: db}
}

func (r *adminRepository) Create(ctx context.Context, admin *models.Admin) error {
	return r.db.WithContext(ctx).Create(admin).Error
}

func (r *adminRepository) GetByUsername(ctx context.Context, username string) (*models.Admin, error) {
	var admin models.Admin
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&admin).Error; err != nil {
		return nil, err
	}
	return &admin, nil
}

func (r *adminRepository) TouchLogin(ctx context.Context, username string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Admin{}).
		Where("username = ?", username).
		Update("last_login_at", at).Error
}
