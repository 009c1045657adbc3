package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

// Persisted keys. Guest and account usage are kept apart so signing out
// does not hand a guest the account's counters or the other way round.
const (
	keyPrincipal    = "principal"
	keyGuestUsage   = "usage:guest"
	keyAccountUsage = "usage:account"
	keyLicense      = "license"
	keyPendingOrder = "pending_order"
)

// PendingOrder marks an order the client is waiting on.
type PendingOrder struct {
	OrderID       string    `json:"order_id"`
	PlanType      string    `json:"plan_type"`
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	PaymentURL    string    `json:"payment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshot is the client's non-authoritative copy of its entitlement state.
type Snapshot struct {
	Kind           entitlements.Kind
	UserID         string
	Email          string
	Token          string
	TokenExpiresAt time.Time

	UsageCount    int
	DailyLimit    int
	LastResetDate string

	IsPro         bool
	PlanType      string
	LicenseKey    string
	LicenseExpiry *time.Time
	// ProVerifiedSession is the session in which the server last confirmed
	// the cached license.
	ProVerifiedSession string

	PendingOrder *PendingOrder
}

func (s *Snapshot) SignedIn() bool {
	return s.Token != ""
}

// trustedPro reports whether the cached pro state may be used locally in
// session at now.
func (s *Snapshot) trustedPro(session string, now time.Time) bool {
	if !s.IsPro || s.LicenseKey == "" || s.ProVerifiedSession != session {
		return false
	}
	return s.LicenseExpiry == nil || s.LicenseExpiry.After(now)
}

func (s *Snapshot) principal(session string, now time.Time) entitlements.Principal {
	stored := entitlements.KindGuest
	if s.SignedIn() {
		stored = entitlements.KindFree
	}
	kind := entitlements.ResolveKind(stored, s.trustedPro(session, now))
	limit := s.DailyLimit
	if limit == 0 {
		limit = entitlements.DefaultLimit(kind)
	}
	return entitlements.Principal{
		ID:            s.UserID,
		Kind:          kind,
		UsageCount:    s.UsageCount,
		DailyLimit:    limit,
		LastResetDate: s.LastResetDate,
		IsActive:      true,
	}
}

// applyProfile overwrites the snapshot with the server's view.
func (s *Snapshot) applyProfile(p models.Profile, session string) {
	s.Kind = entitlements.NormalizeKind(p.Kind)
	s.UserID = p.ID
	s.Email = p.Email
	s.UsageCount = p.UsageCount
	s.DailyLimit = p.DailyLimit
	s.LastResetDate = p.LastResetDate
	s.IsPro = p.IsPro
	s.PlanType = p.SubscriptionPlan
	s.LicenseKey = p.LicenseKey
	s.LicenseExpiry = p.SubscriptionExpiry
	s.ProVerifiedSession = ""
	if p.IsPro {
		s.ProVerifiedSession = session
	}
}

type principalState struct {
	Kind           entitlements.Kind `json:"kind"`
	UserID         string            `json:"user_id"`
	Email          string            `json:"email"`
	Token          string            `json:"token"`
	TokenExpiresAt time.Time         `json:"token_expires_at"`
}

type usageState struct {
	UsageCount    int    `json:"usage_count"`
	DailyLimit    int    `json:"daily_limit"`
	LastResetDate string `json:"last_reset_date"`
}

type licenseState struct {
	IsPro              bool       `json:"is_pro"`
	PlanType           string     `json:"plan_type,omitempty"`
	LicenseKey         string     `json:"license_key,omitempty"`
	LicenseExpiry      *time.Time `json:"license_expiry,omitempty"`
	ProVerifiedSession string     `json:"pro_verified_session,omitempty"`
}

func getJSON(ctx context.Context, st Store, key string, v interface{}) (bool, error) {
	raw, err := st.Get(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// A corrupt entry is dropped rather than wedging the client.
		return false, st.Delete(ctx, key)
	}
	return true, nil
}

func setJSON(ctx context.Context, st Store, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return st.Set(ctx, key, raw)
}

func loadSnapshot(ctx context.Context, st Store) (*Snapshot, error) {
	snap := &Snapshot{Kind: entitlements.KindGuest}

	var ps principalState
	ok, err := getJSON(ctx, st, keyPrincipal, &ps)
	if err != nil {
		return nil, err
	}
	usageKey := keyGuestUsage
	if ok && ps.Token != "" {
		snap.Kind = ps.Kind
		snap.UserID = ps.UserID
		snap.Email = ps.Email
		snap.Token = ps.Token
		snap.TokenExpiresAt = ps.TokenExpiresAt
		usageKey = keyAccountUsage
	}

	var us usageState
	if _, err := getJSON(ctx, st, usageKey, &us); err != nil {
		return nil, err
	}
	snap.UsageCount = us.UsageCount
	snap.DailyLimit = us.DailyLimit
	snap.LastResetDate = us.LastResetDate

	var ls licenseState
	if _, err := getJSON(ctx, st, keyLicense, &ls); err != nil {
		return nil, err
	}
	snap.IsPro = ls.IsPro
	snap.PlanType = ls.PlanType
	snap.LicenseKey = ls.LicenseKey
	snap.LicenseExpiry = ls.LicenseExpiry
	snap.ProVerifiedSession = ls.ProVerifiedSession

	var po PendingOrder
	ok, err = getJSON(ctx, st, keyPendingOrder, &po)
	if err != nil {
		return nil, err
	}
	if ok {
		snap.PendingOrder = &po
	}
	return snap, nil
}

func saveSnapshot(ctx context.Context, st Store, snap *Snapshot) error {
	usageKey := keyGuestUsage
	if snap.SignedIn() {
		if err := setJSON(ctx, st, keyPrincipal, principalState{
			Kind:           snap.Kind,
			UserID:         snap.UserID,
			Email:          snap.Email,
			Token:          snap.Token,
			TokenExpiresAt: snap.TokenExpiresAt,
		}); err != nil {
			return err
		}
		usageKey = keyAccountUsage
	} else {
		if err := st.Delete(ctx, keyPrincipal); err != nil {
			return err
		}
		if err := st.Delete(ctx, keyAccountUsage); err != nil {
			return err
		}
	}

	if err := setJSON(ctx, st, usageKey, usageState{
		UsageCount:    snap.UsageCount,
		DailyLimit:    snap.DailyLimit,
		LastResetDate: snap.LastResetDate,
	}); err != nil {
		return err
	}

	if snap.LicenseKey == "" && !snap.IsPro {
		if err := st.Delete(ctx, keyLicense); err != nil {
			return err
		}
	} else if err := setJSON(ctx, st, keyLicense, licenseState{
		IsPro:              snap.IsPro,
		PlanType:           snap.PlanType,
		LicenseKey:         snap.LicenseKey,
		LicenseExpiry:      snap.LicenseExpiry,
		ProVerifiedSession: snap.ProVerifiedSession,
	}); err != nil {
		return err
	}

	if snap.PendingOrder == nil {
		return st.Delete(ctx, keyPendingOrder)
	}
	return setJSON(ctx, st, keyPendingOrder, snap.PendingOrder)
}
