package models

import "time"

const (
	LicenseReasonUnknown = "unknown"
	LicenseReasonRevoked = "revoked"
	LicenseReasonExpired = "expired"
)

// License is a durable pro grant. Expiry nil means perpetual. Once IsActive
// is false it stays false.
type License struct {
	Key       string     `gorm:"primaryKey;type:varchar(100)" json:"key"`
	PlanType  string     `gorm:"type:varchar(32);not null;index" json:"plan_type"`
	OrderID   string     `gorm:"type:varchar(40);index" json:"order_id"`
	UserID    string     `gorm:"type:varchar(36);index" json:"user_id,omitempty"`
	Expiry    *time.Time `gorm:"type:timestamp;default:null" json:"expiry"`
	IsActive  bool       `gorm:"not null" json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `gorm:"type:timestamp;default:null" json:"revoked_at,omitempty"`
}

// Evaluate reports whether l is usable at now and, if not, why. Revocation is
// checked before expiry; both are unusable.
func (l *License) Evaluate(now time.Time) (bool, string) {
	if l == nil {
		return false, LicenseReasonUnknown
	}
	if !l.IsActive {
		return false, LicenseReasonRevoked
	}
	if l.Expiry != nil && !l.Expiry.After(now) {
		return false, LicenseReasonExpired
	}
	return true, ""
}

// Usable is Evaluate without the reason.
func (l *License) Usable(now time.Time) bool {
	ok, _ := l.Evaluate(now)
	return ok
}
