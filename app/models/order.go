package models

import "time"

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
	OrderStatusRefunded  = "refunded"
)

// Order records one payment attempt for a plan. LicenseKey is set if and
// only if Status is paid.
type Order struct {
	ID            string     `gorm:"primaryKey;type:varchar(40)" json:"id"`
	UserID        string     `gorm:"type:varchar(36);index" json:"user_id,omitempty"`
	PlanType      string     `gorm:"type:varchar(32);not null" json:"plan_type"`
	PaymentMethod string     `gorm:"type:varchar(32);not null" json:"payment_method"`
	Amount        float64    `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status        string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	PaymentURL    string     `gorm:"type:varchar(255)" json:"payment_url,omitempty"`
	LicenseKey    string     `gorm:"type:varchar(100)" json:"license_key,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	PaidAt        *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CancelledAt   *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	FailedAt      *time.Time `gorm:"type:timestamp;default:null" json:"failed_at,omitempty"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	return o.Status != OrderStatusPending
}

// CanTransition reports whether moving to status is legal. Only pending
// orders move, and only to paid, cancelled or failed.
func (o *Order) CanTransition(status string) bool {
	if o.Status != OrderStatusPending {
		return false
	}
	switch status {
	case OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}
