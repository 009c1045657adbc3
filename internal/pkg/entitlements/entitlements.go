package entitlements

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
)

type Kind string

const (
	KindGuest Kind = "guest"
	KindFree  Kind = "free"
	KindPro   Kind = "pro"
)

type Action string

const (
	ActionSummarize     Action = "summarize"
	ActionImageAnalysis Action = "image_analysis"
)

// Unlimited is the DailyLimit sentinel for principals without a quota.
const Unlimited = -1

const (
	GuestDailyLimit = 3
	FreeDailyLimit  = 10

	// legacyProLimit was written by old clients as the "pro" daily limit.
	legacyProLimit = 999
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonDisabled       Reason = "account-disabled"
	ReasonGuestExhausted Reason = "guest-exhausted"
	ReasonFreeExhausted  Reason = "free-exhausted"
	ReasonProRequired    Reason = "pro-required"
)

// Message is the user-facing guidance for a denial.
func (r Reason) Message() string {
	switch r {
	case ReasonDisabled:
		return "account has been disabled, please contact support"
	case ReasonGuestExhausted:
		return "guest limit reached for today, register for a free account to get more summaries"
	case ReasonFreeExhausted:
		return "daily limit reached, upgrade to pro for unlimited summaries"
	case ReasonProRequired:
		return "this feature requires a pro subscription"
	default:
		return ""
	}
}

// Principal is the entitlement view of a user or guest.
type Principal struct {
	ID            string
	Kind          Kind
	UsageCount    int
	DailyLimit    int
	LastResetDate string
	IsActive      bool
}

type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    Reason `json:"reason,omitempty"`
}

// DeniedError is returned by Commit when the decision made inside the
// critical section does not allow the action.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("entitlement denied: %s", e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error {
	if e.Decision.Reason == ReasonDisabled {
		return apperror.ErrAccountDisabled
	}
	return apperror.ErrQuotaExceeded
}

func NormalizeKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPro:
		return KindPro
	case KindGuest:
		return KindGuest
	default:
		return KindFree
	}
}

// ResolveKind derives the effective kind. Pro is never trusted from storage
// alone: it requires a usable license.
func ResolveKind(stored Kind, licenseUsable bool) Kind {
	if licenseUsable {
		return KindPro
	}
	if stored == KindGuest {
		return KindGuest
	}
	return KindFree
}

// DefaultLimit returns the daily limit a new principal of kind k gets.
func DefaultLimit(k Kind) int {
	switch k {
	case KindPro:
		return Unlimited
	case KindGuest:
		return GuestDailyLimit
	default:
		return FreeDailyLimit
	}
}

// EffectiveLimit resolves the limit that applies to p, ignoring values that
// older clients wrote as defaults.
func EffectiveLimit(p Principal) int {
	if p.Kind == KindPro {
		return Unlimited
	}
	switch p.DailyLimit {
	case Unlimited, legacyProLimit:
		return Unlimited
	case 0, 5, 50:
		return DefaultLimit(p.Kind)
	}
	if p.DailyLimit < 0 {
		return Unlimited
	}
	return p.DailyLimit
}

// EffectiveUsage is the usage count that applies today; a stale reset date
// counts as zero.
func EffectiveUsage(p Principal, today string) int {
	if p.LastResetDate != today {
		return 0
	}
	if p.UsageCount < 0 {
		return 0
	}
	return p.UsageCount
}

// Authorize decides whether p may perform action today. It never mutates.
func Authorize(p Principal, action Action, today string) Decision {
	if !p.IsActive {
		return Decision{Allowed: false, Remaining: 0, Reason: ReasonDisabled}
	}

	if p.Kind == KindPro {
		return Decision{Allowed: true, Remaining: Unlimited}
	}
	if action == ActionImageAnalysis {
		return Decision{Allowed: false, Remaining: remaining(p, today), Reason: ReasonProRequired}
	}

	limit := EffectiveLimit(p)
	if limit == Unlimited {
		return Decision{Allowed: true, Remaining: Unlimited}
	}

	used := EffectiveUsage(p, today)
	left := limit - used
	if left < 0 {
		left = 0
	}
	if used < limit {
		return Decision{Allowed: true, Remaining: left}
	}

	reason := ReasonFreeExhausted
	if p.Kind == KindGuest {
		reason = ReasonGuestExhausted
	}
	return Decision{Allowed: false, Remaining: 0, Reason: reason}
}

func remaining(p Principal, today string) int {
	limit := EffectiveLimit(p)
	if limit == Unlimited {
		return Unlimited
	}
	left := limit - EffectiveUsage(p, today)
	if left < 0 {
		return 0
	}
	return left
}

// ResetIfStale applies the deferred daily reset.
func ResetIfStale(p Principal, today string) Principal {
	if p.LastResetDate != today {
		p.UsageCount = 0
		p.LastResetDate = today
	}
	return p
}

// Commit records one successful use of action. It re-checks the decision on
// the reset-applied state so that two commits racing for the last slot cannot
// both succeed when the caller runs it under a per-principal lock.
func Commit(p Principal, action Action, today string) (Principal, Decision, error) {
	next := ResetIfStale(p, today)
	d := Authorize(next, action, today)
	if !d.Allowed {
		return p, d, &DeniedError{Decision: d}
	}
	next.UsageCount++
	return next, Authorize(next, action, today), nil
}
