package models

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

const (
	PLAN_FREE = "free"
)

// User is a registered principal. Guests are never stored server-side.
//
// Kind holds the stored tier only; pro is derived from LicenseKey pointing at
// a usable license and is never trusted from this column on its own.
type User struct {
	ID                 string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Email              string     `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Password           string     `gorm:"type:text" json:"-"`
	Kind               string     `gorm:"type:varchar(16);not null;default:'free'" json:"kind" validate:"oneof=free pro"`
	UsageCount         int        `gorm:"not null;default:0" json:"usage_count" validate:"min=0"`
	DailyLimit         int        `gorm:"not null;default:10" json:"daily_limit"`
	LastResetDate      string     `gorm:"type:varchar(10)" json:"last_reset_date"`
	IsActive           bool       `gorm:"not null" json:"is_active"`
	SubscriptionPlan   string     `gorm:"type:varchar(32);not null;default:'free'" json:"subscription_plan"`
	SubscriptionExpiry *time.Time `gorm:"type:timestamp;default:null" json:"subscription_expiry"`
	LicenseKey         string     `gorm:"type:varchar(100);index" json:"license_key,omitempty"`
	LastLoginAt        *time.Time `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NewUser builds a free principal with a fresh quota for today.
func NewUser(id, email, password, today string) (*User, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:               id,
		Email:            email,
		Password:         pw,
		Kind:             string(entitlements.KindFree),
		UsageCount:       0,
		DailyLimit:       entitlements.FreeDailyLimit,
		LastResetDate:    today,
		IsActive:         true,
		SubscriptionPlan: PLAN_FREE,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

// CheckPassword verifies if the provided password matches the user's stored password
func (u *User) CheckPassword(password string) bool {
	return CheckPasswordHash(password, u.Password)
}

// SetPassword hashes and sets a new password for the user
func (u *User) SetPassword(password string) error {
	hashedPassword, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hashedPassword
	return nil
}

// ResetUsageIfStale performs the deferred daily reset in place.
func (u *User) ResetUsageIfStale(today string) bool {
	if u.LastResetDate == today {
		return false
	}
	u.UsageCount = 0
	u.LastResetDate = today
	return true
}

// Principal returns the entitlement view of u. licenseUsable reports whether
// u.LicenseKey currently resolves to a usable license.
func (u *User) Principal(licenseUsable bool) entitlements.Principal {
	return entitlements.Principal{
		ID:            u.ID,
		Kind:          entitlements.ResolveKind(entitlements.NormalizeKind(u.Kind), licenseUsable),
		UsageCount:    u.UsageCount,
		DailyLimit:    u.DailyLimit,
		LastResetDate: u.LastResetDate,
		IsActive:      u.IsActive,
	}
}

// ApplyPrincipal copies the counters of p back onto u.
func (u *User) ApplyPrincipal(p entitlements.Principal) {
	u.UsageCount = p.UsageCount
	u.LastResetDate = p.LastResetDate
}

// Profile is the password-free view of a user returned to clients. Kind,
// DailyLimit and UsageCount are the effective values for today.
type Profile struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Kind               string     `json:"kind"`
	IsPro              bool       `json:"is_pro"`
	UsageCount         int        `json:"usage_count"`
	DailyLimit         int        `json:"daily_limit"`
	LastResetDate      string     `json:"last_reset_date"`
	IsActive           bool       `json:"is_active"`
	SubscriptionPlan   string     `json:"subscription_plan"`
	SubscriptionExpiry *time.Time `json:"subscription_expiry"`
	LicenseKey         string     `json:"license_key,omitempty"`
	LastLoginAt        *time.Time `json:"last_login_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (u *User) Profile(licenseUsable bool, today string) Profile {
	p := u.Principal(licenseUsable)
	plan := u.SubscriptionPlan
	expiry := u.SubscriptionExpiry
	if !licenseUsable {
		plan = PLAN_FREE
		expiry = nil
	}
	return Profile{
		ID:                 u.ID,
		Email:              u.Email,
		Kind:               string(p.Kind),
		IsPro:              p.Kind == entitlements.KindPro,
		UsageCount:         entitlements.EffectiveUsage(p, today),
		DailyLimit:         entitlements.EffectiveLimit(p),
		LastResetDate:      u.LastResetDate,
		IsActive:           u.IsActive,
		SubscriptionPlan:   plan,
		SubscriptionExpiry: expiry,
		LicenseKey:         u.LicenseKey,
		LastLoginAt:        u.LastLoginAt,
		CreatedAt:          u.CreatedAt,
	}
}
