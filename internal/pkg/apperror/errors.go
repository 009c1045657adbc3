package apperror

// Shared sentinels. Use errors.Is to test for them and Wrap to add a cause.
var (
	ErrInvalidEmail     = New(KindValidation, "invalid_email", "please enter a valid email address")
	ErrWeakPassword     = New(KindValidation, "weak_password", "password must be at least 6 characters")
	ErrMissingCode      = New(KindValidation, "missing_code", "please enter the verification code")
	ErrNoCodeRequested  = New(KindValidation, "no_code_requested", "please request a verification code first")
	ErrCodeExpired      = New(KindValidation, "code_expired", "verification code expired, please request a new one")
	ErrTooManyAttempts  = New(KindValidation, "too_many_attempts", "too many attempts, please request a new code")
	ErrWrongCode        = New(KindValidation, "wrong_code", "verification code is incorrect")
	ErrInvalidRequest   = New(KindValidation, "invalid_request", "invalid request")
	ErrCodeRateLimited  = New(KindRateLimited, "rate_limited", "verification code requested too often, please try again later")
	ErrDuplicateEmail   = New(KindConflict, "duplicate_email", "this email is already registered")
	ErrInvalidCreds     = New(KindAuth, "invalid_credentials", "invalid email or password")
	ErrInvalidAdmin     = New(KindAuth, "invalid_credentials", "invalid username or password")
	ErrTokenInvalid     = New(KindAuth, "token_invalid", "token is invalid or expired")
	ErrAccountDisabled  = New(KindForbidden, "account_disabled", "account has been disabled, please contact support")
	ErrUserNotFound     = New(KindNotFound, "user_not_found", "user not found")
	ErrOrderNotFound    = New(KindNotFound, "order_not_found", "order not found")
	ErrLicenseNotFound  = New(KindNotFound, "license_not_found", "license not found")
	ErrInvalidPlan      = New(KindValidation, "invalid_plan", "invalid subscription plan")
	ErrInvalidMethod    = New(KindValidation, "invalid_payment_method", "unsupported payment method")
	ErrOrderNotPending  = New(KindConflict, "order_not_pending", "only pending orders can change state")
	ErrLicenseUnusable  = New(KindValidation, "license_unusable", "license is not valid")
	ErrLicenseTaken     = New(KindConflict, "license_bound", "license is already bound to another account")
	ErrQuotaExceeded    = New(KindQuota, "quota_exceeded", "daily usage limit reached")
	ErrPaymentGateway   = New(KindUpstream, "payment_gateway_unavailable", "payment gateway unavailable")
	ErrMailUnavailable  = New(KindUpstream, "mail_unavailable", "mail delivery unavailable")
	ErrInvalidSignature = New(KindAuth, "invalid_signature", "invalid webhook signature")
)

var byCode = func() map[string]*Error {
	m := make(map[string]*Error)
	for _, e := range []*Error{
		ErrInvalidEmail, ErrWeakPassword, ErrMissingCode, ErrNoCodeRequested,
		ErrCodeExpired, ErrTooManyAttempts, ErrWrongCode, ErrInvalidRequest,
		ErrCodeRateLimited, ErrDuplicateEmail, ErrInvalidCreds, ErrTokenInvalid,
		ErrAccountDisabled, ErrUserNotFound, ErrOrderNotFound, ErrLicenseNotFound,
		ErrInvalidPlan, ErrInvalidMethod, ErrOrderNotPending, ErrLicenseUnusable,
		ErrLicenseTaken, ErrQuotaExceeded, ErrPaymentGateway, ErrMailUnavailable,
		ErrInvalidSignature,
	} {
		m[e.Code] = e
	}
	return m
}()

// FromCode returns the sentinel registered under code, or nil.
func FromCode(code string) *Error {
	return byCode[code]
}
