// Package apiv1 holds the JSON bodies of the /api endpoints. The server
// controllers and the client mirror share them so both sides agree on the
// wire format.
package apiv1

import (
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	// Reason and Remaining are set for entitlement denials.
	Reason    entitlements.Reason `json:"reason,omitempty"`
	Remaining *int                `json:"remaining,omitempty"`
}

type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type SendVerificationRequest struct {
	Email string `json:"email" validate:"required"`
}

type SendVerificationResponse struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	ExpiresIn           int    `json:"expires_in"`
	DeliveryUnconfirmed bool   `json:"delivery_unconfirmed,omitempty"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Success   bool           `json:"success"`
	User      models.Profile `json:"user"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type VerifyTokenRequest struct {
	Token string `json:"token"`
}

type UserResponse struct {
	Success bool           `json:"success"`
	User    models.Profile `json:"user"`
}

type AdminLoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AdminInfo struct {
	Username    string     `json:"username"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func NewAdminInfo(a *models.Admin) AdminInfo {
	return AdminInfo{Username: a.Username, Name: a.Name, Role: a.Role, LastLoginAt: a.LastLoginAt}
}

type AdminSessionResponse struct {
	Success   bool      `json:"success"`
	Admin     AdminInfo `json:"admin"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AdminResponse struct {
	Success bool      `json:"success"`
	Admin   AdminInfo `json:"admin"`
}

type UserListResponse struct {
	Success bool             `json:"success"`
	Users   []models.Profile `json:"users"`
	Total   int64            `json:"total"`
}

type OrderListResponse struct {
	Success bool           `json:"success"`
	Orders  []models.Order `json:"orders"`
	Total   int64          `json:"total"`
}

type LicenseListResponse struct {
	Success  bool             `json:"success"`
	Licenses []models.License `json:"licenses"`
	Total    int64            `json:"total"`
}

type ToggleUserRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

type LicenseResponse struct {
	Success bool           `json:"success"`
	License models.License `json:"license"`
}

type StatsResponse struct {
	Success bool               `json:"success"`
	Stats   models.SystemStats `json:"stats"`
}

type CreateOrderRequest struct {
	PlanType      string `json:"plan_type" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

type OrderResponse struct {
	Success bool         `json:"success"`
	Order   models.Order `json:"order"`
}

type LicenseKeyRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
}

type ValidateLicenseResponse struct {
	Success bool `json:"success"`
	billing.LicenseStatus
}

type ActivateLicenseResponse struct {
	Success bool                  `json:"success"`
	License billing.LicenseStatus `json:"license"`
	User    models.Profile        `json:"user"`
}

type SubscriptionResponse struct {
	Success      bool                 `json:"success"`
	Subscription billing.Subscription `json:"subscription"`
}

type PlansResponse struct {
	Success bool           `json:"success"`
	Plans   []billing.Plan `json:"plans"`
}

type PaymentMethodsResponse struct {
	Success bool                    `json:"success"`
	Methods []billing.PaymentMethod `json:"methods"`
}

type UsageRequest struct {
	Action string `json:"action"`
}

type UsageResponse struct {
	Success bool `json:"success"`
	entitlements.Decision
	Message string         `json:"message,omitempty"`
	User    models.Profile `json:"user"`
}

type WebhookResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status,omitempty"`
}
