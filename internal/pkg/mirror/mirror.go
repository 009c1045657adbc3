// Package mirror is the client side of the entitlement engine. It keeps a
// local, non-authoritative copy of the principal's state so a client can
// answer quickly, and always lets the server's answer overwrite it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuelReschke/PageBrief/app/models"
	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollTimeout  = 10 * time.Minute
	// PendingOrderTTL is how long a pending-order marker is kept.
	PendingOrderTTL = time.Hour
)

var (
	// ErrPaymentUnresolved is returned when polling gives up on a pending order.
	ErrPaymentUnresolved = errors.New("payment unresolved")
	// ErrCommitUnconfirmed is returned when the action ran but the server
	// could not be told; the usage was recorded locally only.
	ErrCommitUnconfirmed = errors.New("usage commit not confirmed by server")
)

// API is the subset of the server API the mirror uses. *Client implements it.
type API interface {
	Register(ctx context.Context, email, password, code string) (*apiv1.SessionResponse, error)
	Login(ctx context.Context, email, password string) (*apiv1.SessionResponse, error)
	VerifyToken(ctx context.Context, token string) (*apiv1.UserResponse, error)
	Logout(ctx context.Context, token string) error
	ValidateLicense(ctx context.Context, key string) (*billing.LicenseStatus, error)
	ActivateLicense(ctx context.Context, token, key string) (*apiv1.ActivateLicenseResponse, error)
	CreateOrder(ctx context.Context, token, planType, paymentMethod string) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	AuthorizeUsage(ctx context.Context, token, action string) (*apiv1.UsageResponse, error)
	CommitUsage(ctx context.Context, token, action string) (*apiv1.UsageResponse, error)
}

type Mirror struct {
	store   Store
	api     API
	clock   clock.Clock
	loc     *time.Location
	session string

	mu sync.Mutex
}

// New returns a mirror bound to a new session. Cached pro state from an
// earlier session is not trusted until the server confirms it again.
func New(store Store, api API, clk clock.Clock, loc *time.Location) *Mirror {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Mirror{store: store, api: api, clock: clk, loc: loc, session: uuid.NewString()}
}

func (m *Mirror) Session() string {
	return m.session
}

// Snapshot returns the persisted state.
func (m *Mirror) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return loadSnapshot(ctx, m.store)
}

// update runs fn on the persisted snapshot and saves the result unless fn
// fails.
func (m *Mirror) update(ctx context.Context, fn func(s *Snapshot) error) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := loadSnapshot(ctx, m.store)
	if err != nil {
		return nil, err
	}
	if err := fn(snap); err != nil {
		return nil, err
	}
	if err := saveSnapshot(ctx, m.store, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *Mirror) today() string {
	return clock.Day(m.clock.Now(), m.loc)
}

func (m *Mirror) applySession(ctx context.Context, resp *apiv1.SessionResponse) (*Snapshot, error) {
	return m.update(ctx, func(s *Snapshot) error {
		s.Token = resp.Token
		s.TokenExpiresAt = resp.ExpiresAt
		s.applyProfile(resp.User, m.session)
		return nil
	})
}

func (m *Mirror) Register(ctx context.Context, email, password, code string) (*Snapshot, error) {
	resp, err := m.api.Register(ctx, email, password, code)
	if err != nil {
		return nil, err
	}
	return m.applySession(ctx, resp)
}

func (m *Mirror) Login(ctx context.Context, email, password string) (*Snapshot, error) {
	resp, err := m.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.applySession(ctx, resp)
}

// signOutLocal drops the account state and returns the guest snapshot.
func (m *Mirror) signOutLocal(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range []string{keyPrincipal, keyAccountUsage, keyLicense} {
		if err := m.store.Delete(ctx, key); err != nil {
			return nil, err
		}
	}
	return loadSnapshot(ctx, m.store)
}

// Logout revokes the token on the server when reachable and always clears
// the local account state.
func (m *Mirror) Logout(ctx context.Context) (*Snapshot, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var remoteErr error
	if snap.SignedIn() {
		remoteErr = m.api.Logout(ctx, snap.Token)
		if errors.Is(remoteErr, apperror.ErrTokenInvalid) {
			remoteErr = nil
		}
	}
	guest, err := m.signOutLocal(ctx)
	if err != nil {
		return nil, err
	}
	return guest, remoteErr
}

// dropOnAuthFailure signs out locally when the server no longer accepts the
// token.
func (m *Mirror) dropOnAuthFailure(ctx context.Context, err error) {
	if errors.Is(err, apperror.ErrTokenInvalid) || errors.Is(err, apperror.ErrAccountDisabled) {
		_, _ = m.signOutLocal(ctx)
	}
}

// Refresh replaces the account state with the server's.
func (m *Mirror) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.SignedIn() {
		return snap, nil
	}
	resp, err := m.api.VerifyToken(ctx, snap.Token)
	if err != nil {
		m.dropOnAuthFailure(ctx, err)
		return nil, err
	}
	return m.update(ctx, func(s *Snapshot) error {
		s.applyProfile(resp.User, m.session)
		return nil
	})
}

// revalidatePro asks the server about a cached license once per session.
// Until it answers, the cached pro state is ignored.
func (m *Mirror) revalidatePro(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	if !snap.IsPro || snap.LicenseKey == "" || snap.ProVerifiedSession == m.session {
		return snap, nil
	}
	st, err := m.api.ValidateLicense(ctx, snap.LicenseKey)
	if err != nil {
		// Unreachable server: keep the cache but do not trust it.
		return snap, nil
	}
	return m.update(ctx, func(s *Snapshot) error {
		m.applyLicense(s, s.LicenseKey, st)
		return nil
	})
}

func (m *Mirror) applyLicense(s *Snapshot, key string, st *billing.LicenseStatus) {
	if !st.Usable {
		s.IsPro = false
		s.ProVerifiedSession = ""
		return
	}
	s.IsPro = true
	s.LicenseKey = key
	s.PlanType = st.PlanType
	s.LicenseExpiry = st.Expiry
	s.ProVerifiedSession = m.session
}

// Authorize answers whether action may run now. Signed-in principals are
// always checked with the server and the answer is cached.
func (m *Mirror) Authorize(ctx context.Context, action entitlements.Action) (entitlements.Decision, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return entitlements.Decision{}, err
	}
	snap, err = m.revalidatePro(ctx, snap)
	if err != nil {
		return entitlements.Decision{}, err
	}
	local := entitlements.Authorize(snap.principal(m.session, m.clock.Now()), action, m.today())
	if !snap.SignedIn() {
		return local, nil
	}

	resp, err := m.api.AuthorizeUsage(ctx, snap.Token, string(action))
	if err != nil {
		m.dropOnAuthFailure(ctx, err)
		return local, err
	}
	if _, err := m.update(ctx, func(s *Snapshot) error {
		s.applyProfile(resp.User, m.session)
		return nil
	}); err != nil {
		return resp.Decision, err
	}
	return resp.Decision, nil
}

// Gate runs fn if action is allowed and records the use afterwards. fn is
// not called on a denial, and a failed fn is not counted. Guests are
// tracked locally; for signed-in principals the server decides and its
// answer overwrites the local state.
func (m *Mirror) Gate(ctx context.Context, action entitlements.Action, fn func(context.Context) error) (entitlements.Decision, error) {
	d, err := m.Authorize(ctx, action)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &entitlements.DeniedError{Decision: d}
	}

	if err := fn(ctx); err != nil {
		return d, err
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		return d, err
	}
	if !snap.SignedIn() {
		return m.commitLocal(ctx, action)
	}

	resp, err := m.api.CommitUsage(ctx, snap.Token, string(action))
	if err == nil {
		_, serr := m.update(ctx, func(s *Snapshot) error {
			s.applyProfile(resp.User, m.session)
			return nil
		})
		return resp.Decision, serr
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		m.dropOnAuthFailure(ctx, err)
		denied := entitlements.Decision{Allowed: false, Reason: apiErr.Reason}
		if apiErr.Remaining != nil {
			denied.Remaining = *apiErr.Remaining
		}
		if errors.Is(err, apperror.ErrQuotaExceeded) {
			_, _ = m.Refresh(ctx)
		}
		return denied, err
	}

	if ld, lerr := m.commitLocal(ctx, action); lerr == nil {
		d = ld
	}
	return d, fmt.Errorf("%w: %v", ErrCommitUnconfirmed, err)
}

func (m *Mirror) commitLocal(ctx context.Context, action entitlements.Action) (entitlements.Decision, error) {
	var d entitlements.Decision
	now := m.clock.Now()
	today := m.today()
	_, err := m.update(ctx, func(s *Snapshot) error {
		next, dec, err := entitlements.Commit(s.principal(m.session, now), action, today)
		d = dec
		if err != nil {
			return err
		}
		s.UsageCount = next.UsageCount
		s.LastResetDate = next.LastResetDate
		if s.DailyLimit == 0 {
			s.DailyLimit = next.DailyLimit
		}
		return nil
	})
	return d, err
}

// ActivateLicense binds key to the signed-in account, or caches it for a
// guest once the server confirms it is usable.
func (m *Mirror) ActivateLicense(ctx context.Context, key string) (*billing.LicenseStatus, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if snap.SignedIn() {
		resp, err := m.api.ActivateLicense(ctx, snap.Token, key)
		if err != nil {
			m.dropOnAuthFailure(ctx, err)
			return nil, err
		}
		if _, err := m.update(ctx, func(s *Snapshot) error {
			s.applyProfile(resp.User, m.session)
			return nil
		}); err != nil {
			return nil, err
		}
		return &resp.License, nil
	}

	st, err := m.api.ValidateLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	if !st.Usable {
		return st, apperror.ErrLicenseUnusable
	}
	if _, err := m.update(ctx, func(s *Snapshot) error {
		m.applyLicense(s, key, st)
		return nil
	}); err != nil {
		return nil, err
	}
	return st, nil
}

// StartOrder opens an order and leaves a pending marker.
func (m *Mirror) StartOrder(ctx context.Context, planType, paymentMethod string) (*models.Order, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	order, err := m.api.CreateOrder(ctx, snap.Token, planType, paymentMethod)
	if err != nil {
		m.dropOnAuthFailure(ctx, err)
		return nil, err
	}
	_, err = m.update(ctx, func(s *Snapshot) error {
		s.PendingOrder = &PendingOrder{
			OrderID:       order.ID,
			PlanType:      order.PlanType,
			Amount:        order.Amount,
			PaymentMethod: order.PaymentMethod,
			PaymentURL:    order.PaymentURL,
			CreatedAt:     m.clock.Now(),
		}
		return nil
	})
	return order, err
}

// PollOrder checks the order every interval until it leaves pending, total
// elapses, or ctx is done. Abandoning the poll has no effect on the server.
// A terminal order is returned with a nil error whatever its status; a paid
// order's license is picked up into the snapshot.
func (m *Mirror) PollOrder(ctx context.Context, orderID string, interval, total time.Duration) (*models.Order, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if total <= 0 {
		total = DefaultPollTimeout
	}

	deadline := time.NewTimer(total)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		order, err := m.api.GetOrder(ctx, orderID)
		switch {
		case err == nil && order.Status != models.OrderStatusPending:
			return order, m.finishOrder(ctx, order)
		case err != nil && errors.Is(err, apperror.ErrOrderNotFound):
			return nil, err
		}
		// Pending or a transient failure: keep polling.

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrPaymentUnresolved
		case <-ticker.C:
		}
	}
}

func (m *Mirror) finishOrder(ctx context.Context, order *models.Order) error {
	snap, err := m.update(ctx, func(s *Snapshot) error {
		if s.PendingOrder != nil && s.PendingOrder.OrderID == order.ID {
			s.PendingOrder = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPaid {
		return nil
	}

	if snap.SignedIn() && order.UserID != "" && order.UserID == snap.UserID {
		_, err := m.Refresh(ctx)
		return err
	}
	if order.LicenseKey == "" {
		return nil
	}
	st, err := m.api.ValidateLicense(ctx, order.LicenseKey)
	if err != nil {
		return err
	}
	_, err = m.update(ctx, func(s *Snapshot) error {
		m.applyLicense(s, order.LicenseKey, st)
		return nil
	})
	return err
}

// CleanupStaleOrder removes a pending-order marker older than
// PendingOrderTTL and reports whether it did.
func (m *Mirror) CleanupStaleOrder(ctx context.Context) (bool, error) {
	removed := false
	_, err := m.update(ctx, func(s *Snapshot) error {
		if s.PendingOrder != nil && m.clock.Now().Sub(s.PendingOrder.CreatedAt) > PendingOrderTTL {
			s.PendingOrder = nil
			removed = true
		}
		return nil
	})
	return removed, err
}
