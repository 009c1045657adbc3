package mirror

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/app/models"
	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

const testToken = "tok-1"

// fakeAPI plays the server: it keeps one account and applies the same
// entitlement rules the real server does.
type fakeAPI struct {
	mu sync.Mutex

	today    string
	user     models.Profile
	licenses map[string]billing.LicenseStatus
	orders   map[string]*models.Order

	validateCalls int
	getOrderCalls int
	transportErr  error
	commitErr     error
	paidAfter     int
}

func newFakeAPI(today string) *fakeAPI {
	return &fakeAPI{
		today: today,
		user: models.Profile{
			ID: "u1", Email: "user@example.com", Kind: "free", IsActive: true,
			DailyLimit: entitlements.FreeDailyLimit, LastResetDate: today, SubscriptionPlan: "free",
		},
		licenses: make(map[string]billing.LicenseStatus),
		orders:   make(map[string]*models.Order),
	}
}

func apiErr(status int, sentinel *apperror.Error) *APIError {
	return &APIError{Status: status, Code: sentinel.Code, Message: sentinel.Message}
}

func (f *fakeAPI) principal() entitlements.Principal {
	return entitlements.Principal{
		ID: f.user.ID, Kind: entitlements.NormalizeKind(f.user.Kind), UsageCount: f.user.UsageCount,
		DailyLimit: f.user.DailyLimit, LastResetDate: f.user.LastResetDate, IsActive: f.user.IsActive,
	}
}

func (f *fakeAPI) session() *apiv1.SessionResponse {
	return &apiv1.SessionResponse{Success: true, User: f.user, Token: testToken, ExpiresAt: time.Now().Add(24 * time.Hour)}
}

func (f *fakeAPI) Register(_ context.Context, email, _, code string) (*apiv1.SessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code != "123456" {
		return nil, apiErr(http.StatusBadRequest, apperror.ErrWrongCode)
	}
	f.user.Email = email
	return f.session(), nil
}

func (f *fakeAPI) Login(_ context.Context, email, password string) (*apiv1.SessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if email != f.user.Email || password != "secret1" {
		return nil, apiErr(http.StatusUnauthorized, apperror.ErrInvalidCreds)
	}
	return f.session(), nil
}

func (f *fakeAPI) checkToken(token string) error {
	if f.transportErr != nil {
		return f.transportErr
	}
	if token != testToken {
		return apiErr(http.StatusUnauthorized, apperror.ErrTokenInvalid)
	}
	return nil
}

func (f *fakeAPI) VerifyToken(_ context.Context, token string) (*apiv1.UserResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	return &apiv1.UserResponse{Success: true, User: f.user}, nil
}

func (f *fakeAPI) Logout(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkToken(token)
}

func (f *fakeAPI) ValidateLicense(_ context.Context, key string) (*billing.LicenseStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.transportErr != nil {
		return nil, f.transportErr
	}
	st, ok := f.licenses[key]
	if !ok {
		return &billing.LicenseStatus{Usable: false, Reason: models.LicenseReasonUnknown}, nil
	}
	return &st, nil
}

func (f *fakeAPI) ActivateLicense(_ context.Context, token, key string) (*apiv1.ActivateLicenseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	st, ok := f.licenses[key]
	if !ok {
		return nil, apiErr(http.StatusNotFound, apperror.ErrLicenseNotFound)
	}
	f.user.Kind, f.user.IsPro, f.user.LicenseKey = "pro", true, key
	f.user.DailyLimit = entitlements.Unlimited
	return &apiv1.ActivateLicenseResponse{Success: true, License: st, User: f.user}, nil
}

func (f *fakeAPI) CreateOrder(_ context.Context, token, planType, method string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &models.Order{ID: "PB1", PlanType: planType, PaymentMethod: method, Amount: 19.9, Status: models.OrderStatusPending}
	if token == testToken {
		o.UserID = f.user.ID
	}
	f.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (f *fakeAPI) GetOrder(_ context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrderCalls++
	o, ok := f.orders[id]
	if !ok {
		return nil, apiErr(http.StatusNotFound, apperror.ErrOrderNotFound)
	}
	if f.paidAfter > 0 && f.getOrderCalls >= f.paidAfter && o.Status == models.OrderStatusPending {
		o.Status = models.OrderStatusPaid
		o.LicenseKey = "PB-MONTHLY-X"
		f.licenses[o.LicenseKey] = billing.LicenseStatus{Usable: true, PlanType: "monthly"}
		if o.UserID == f.user.ID {
			f.user.Kind, f.user.IsPro, f.user.LicenseKey = "pro", true, o.LicenseKey
			f.user.DailyLimit = entitlements.Unlimited
		}
	}
	cp := *o
	return &cp, nil
}

func (f *fakeAPI) AuthorizeUsage(_ context.Context, token, action string) (*apiv1.UsageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	d := entitlements.Authorize(f.principal(), entitlements.Action(action), f.today)
	return &apiv1.UsageResponse{Success: true, Decision: d, User: f.user}, nil
}

func (f *fakeAPI) CommitUsage(_ context.Context, token, action string) (*apiv1.UsageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	if err := f.checkToken(token); err != nil {
		return nil, err
	}
	next, d, err := entitlements.Commit(f.principal(), entitlements.Action(action), f.today)
	if err != nil {
		remaining := d.Remaining
		return nil, &APIError{Status: http.StatusPaymentRequired, Code: apperror.ErrQuotaExceeded.Code, Reason: d.Reason, Remaining: &remaining}
	}
	f.user.UsageCount = next.UsageCount
	f.user.LastResetDate = next.LastResetDate
	return &apiv1.UsageResponse{Success: true, Decision: d, User: f.user}, nil
}

func newMirror(t *testing.T) (*Mirror, *fakeAPI, *clock.Fake, Store) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	api := newFakeAPI("2025-03-14")
	st := NewMemoryStore()
	return New(st, api, clk, time.UTC), api, clk, st
}

func noop(context.Context) error { return nil }

func TestGate_GuestExhaustsLocally(t *testing.T) {
	m, _, clk, st := newMirror(t)
	ctx := context.Background()

	for i := 0; i < entitlements.GuestDailyLimit; i++ {
		d, err := m.Gate(ctx, entitlements.ActionSummarize, noop)
		require.NoError(t, err)
		assert.Equal(t, entitlements.GuestDailyLimit-i-1, d.Remaining)
	}

	called := false
	d, err := m.Gate(ctx, entitlements.ActionSummarize, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlements.ReasonGuestExhausted, d.Reason)
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)

	// The counter survives a restart of the client.
	again := New(st, newFakeAPI("2025-03-14"), clk, time.UTC)
	snap, err := again.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlements.GuestDailyLimit, snap.UsageCount)

	clk.Advance(24 * time.Hour)
	d, err = again.Gate(ctx, entitlements.ActionSummarize, noop)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_FailedActionIsNotCounted(t *testing.T) {
	m, _, _, _ := newMirror(t)
	ctx := context.Background()

	boom := errors.New("summarizer down")
	_, err := m.Gate(ctx, entitlements.ActionSummarize, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.UsageCount)
}

func TestGate_ServerWins(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	// The server counted uses made on another device.
	api.mu.Lock()
	api.user.UsageCount = entitlements.FreeDailyLimit
	api.mu.Unlock()

	d, err := m.Gate(ctx, entitlements.ActionSummarize, noop)
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)
	assert.Equal(t, entitlements.ReasonFreeExhausted, d.Reason)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlements.FreeDailyLimit, snap.UsageCount)
}

func TestGate_SignedInCommitsOnServer(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	d, err := m.Gate(ctx, entitlements.ActionSummarize, noop)
	require.NoError(t, err)
	assert.Equal(t, entitlements.FreeDailyLimit-1, d.Remaining)
	assert.Equal(t, 1, api.user.UsageCount)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UsageCount)
}

func TestGate_LostCommitRaceSurfacesDenial(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	ran := false
	_, err = m.Gate(ctx, entitlements.ActionSummarize, func(context.Context) error {
		ran = true
		// Another device takes the last slot while this action runs.
		api.mu.Lock()
		api.user.UsageCount = entitlements.FreeDailyLimit
		api.mu.Unlock()
		return nil
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlements.FreeDailyLimit, snap.UsageCount)
}

func TestGate_UnconfirmedCommitIsRecordedLocally(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	api.commitErr = errors.New("connection reset")
	_, err = m.Gate(ctx, entitlements.ActionSummarize, noop)
	assert.ErrorIs(t, err, ErrCommitUnconfirmed)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UsageCount)
	assert.Equal(t, 0, api.user.UsageCount)
}

func TestProRevalidatedOncePerSession(t *testing.T) {
	m, api, clk, st := newMirror(t)
	ctx := context.Background()
	api.licenses["PB-LIFETIME-1"] = billing.LicenseStatus{Usable: true, PlanType: "lifetime"}

	_, err := m.ActivateLicense(ctx, "PB-LIFETIME-1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.validateCalls)

	for i := 0; i < 5; i++ {
		d, err := m.Gate(ctx, entitlements.ActionImageAnalysis, noop)
		require.NoError(t, err)
		assert.Equal(t, entitlements.Unlimited, d.Remaining)
	}
	assert.Equal(t, 1, api.validateCalls, "confirmed within this session")

	// A new session must ask again; meanwhile the license was revoked.
	api.licenses["PB-LIFETIME-1"] = billing.LicenseStatus{Usable: false, Reason: models.LicenseReasonRevoked}
	next := New(st, api, clk, time.UTC)
	d, err := next.Gate(ctx, entitlements.ActionImageAnalysis, noop)
	assert.Equal(t, 2, api.validateCalls)
	assert.ErrorIs(t, err, apperror.ErrQuotaExceeded)
	assert.Equal(t, entitlements.ReasonProRequired, d.Reason)

	snap, err := next.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.IsPro)
}

func TestCachedProIgnoredWhenServerUnreachable(t *testing.T) {
	m, api, clk, st := newMirror(t)
	ctx := context.Background()
	api.licenses["PB-LIFETIME-1"] = billing.LicenseStatus{Usable: true, PlanType: "lifetime"}
	_, err := m.ActivateLicense(ctx, "PB-LIFETIME-1")
	require.NoError(t, err)

	api.transportErr = errors.New("offline")
	next := New(st, api, clk, time.UTC)
	d, err := next.Authorize(ctx, entitlements.ActionImageAnalysis)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlements.ReasonProRequired, d.Reason)
}

func TestActivateUnusableLicense(t *testing.T) {
	m, _, _, _ := newMirror(t)
	st, err := m.ActivateLicense(context.Background(), "PB-NOPE")
	assert.ErrorIs(t, err, apperror.ErrLicenseUnusable)
	require.NotNil(t, st)
	assert.Equal(t, models.LicenseReasonUnknown, st.Reason)
}

func TestLogoutKeepsGuestUsage(t *testing.T) {
	m, _, _, _ := newMirror(t)
	ctx := context.Background()

	_, err := m.Gate(ctx, entitlements.ActionSummarize, noop)
	require.NoError(t, err)

	snap, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)
	assert.True(t, snap.SignedIn())
	assert.Equal(t, 0, snap.UsageCount)

	guest, err := m.Logout(ctx)
	require.NoError(t, err)
	assert.False(t, guest.SignedIn())
	assert.Equal(t, 1, guest.UsageCount)
	assert.Empty(t, guest.UserID)
}

func TestInvalidTokenSignsOutLocally(t *testing.T) {
	m, _, _, st := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, setJSON(ctx, st, keyPrincipal, principalState{Kind: "free", UserID: "u1", Token: "stale"}))

	_, err = m.Authorize(ctx, entitlements.ActionSummarize)
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.SignedIn())
}

func TestPollOrder_Paid(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()

	order, err := m.StartOrder(ctx, "monthly", "alipay")
	require.NoError(t, err)
	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.PendingOrder)
	assert.Equal(t, order.ID, snap.PendingOrder.OrderID)

	api.paidAfter = 3
	got, err := m.PollOrder(ctx, order.ID, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, 3, api.getOrderCalls)

	snap, err = m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.PendingOrder)
	assert.True(t, snap.IsPro)
	assert.Equal(t, "PB-MONTHLY-X", snap.LicenseKey)
	assert.Equal(t, m.Session(), snap.ProVerifiedSession)
}

func TestPollOrder_SignedInPicksUpBoundLicense(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.Login(ctx, "user@example.com", "secret1")
	require.NoError(t, err)

	order, err := m.StartOrder(ctx, "monthly", "alipay")
	require.NoError(t, err)
	api.paidAfter = 1
	_, err = m.PollOrder(ctx, order.ID, time.Millisecond, time.Second)
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsPro)
	assert.Equal(t, entitlements.KindPro, snap.Kind)
}

func TestPollOrder_Unresolved(t *testing.T) {
	m, api, _, _ := newMirror(t)
	ctx := context.Background()
	order, err := m.StartOrder(ctx, "monthly", "alipay")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.PollOrder(ctx, order.ID, 5*time.Millisecond, 40*time.Millisecond)
	assert.ErrorIs(t, err, ErrPaymentUnresolved)
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, api.getOrderCalls, 1)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotNil(t, snap.PendingOrder, "the marker stays until it goes stale")
}

func TestPollOrder_Cancelled(t *testing.T) {
	m, api, _, _ := newMirror(t)
	order, err := m.StartOrder(context.Background(), "monthly", "alipay")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.PollOrder(ctx, order.ID, 5*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OrderStatusPending, api.orders[order.ID].Status)
}

func TestPollOrder_UnknownOrder(t *testing.T) {
	m, _, _, _ := newMirror(t)
	_, err := m.PollOrder(context.Background(), "missing", time.Millisecond, time.Second)
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
}

func TestCleanupStaleOrder(t *testing.T) {
	m, _, clk, _ := newMirror(t)
	ctx := context.Background()
	_, err := m.StartOrder(ctx, "monthly", "alipay")
	require.NoError(t, err)

	removed, err := m.CleanupStaleOrder(ctx)
	require.NoError(t, err)
	assert.False(t, removed)

	clk.Advance(PendingOrderTTL + time.Minute)
	removed, err = m.CleanupStaleOrder(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.PendingOrder)
}
