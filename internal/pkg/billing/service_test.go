package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
)

type stubGateway struct {
	mu     sync.Mutex
	status GatewayStatus
	err    error
	calls  int
}

func (g *stubGateway) CreatePayment(_ context.Context, order *models.Order) (string, error) {
	return "https://pay.example.com/" + order.ID, nil
}

func (g *stubGateway) Status(context.Context, string) (GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if g.status == "" {
		return GatewayPending, nil
	}
	return g.status, nil
}

func (g *stubGateway) set(st GatewayStatus, err error) {
	g.mu.Lock()
	g.status, g.err = st, err
	g.mu.Unlock()
}

const testSecret = "whsec"

type fixture struct {
	svc     *Service
	repos   *repository.Repositories
	clock   *clock.Fake
	gateway *stubGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, repository.NewMemoryRepositories())
}

func newFixtureWith(t *testing.T, repos *repository.Repositories) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	gw := &stubGateway{}
	svc := NewService(Deps{
		Orders:        repos.Order,
		Licenses:      repos.License,
		Users:         repos.User,
		WebhookEvents: repos.WebhookEvent,
		Gateway:       gw,
		Clock:         clk,
		WebhookSecret: testSecret,
	})
	return &fixture{svc: svc, repos: repos, clock: clk, gateway: gw}
}

func (f *fixture) user(t *testing.T, id string) {
	t.Helper()
	u, err := models.NewUser(id, id+"@example.com", "secret1", "2025-03-14")
	require.NoError(t, err)
	require.NoError(t, f.repos.User.Create(context.Background(), u))
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	order, err := f.svc.CreateOrder(context.Background(), "monthly", "alipay", "")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 19.9, order.Amount)
	assert.Equal(t, "https://pay.example.com/"+order.ID, order.PaymentURL)
	assert.Empty(t, order.LicenseKey)

	_, err = f.svc.CreateOrder(context.Background(), "monthly", "card", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidMethod)
	_, err = f.svc.CreateOrder(context.Background(), "free", "alipay", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidPlan)
}

func TestGetOrder_PollsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "yearly", "wechat", "")
	require.NoError(t, err)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)

	f.gateway.set("", errors.New("gateway down"))
	got, err = f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err, "gateway errors leave the order pending")
	assert.Equal(t, models.OrderStatusPending, got.Status)

	f.gateway.set(GatewayPaid, nil)
	got, err = f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	require.NotEmpty(t, got.LicenseKey)

	calls := f.gateway.calls
	_, err = f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, f.gateway.calls, "terminal orders are not polled")

	_, err = f.svc.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
}

func TestConfirmPayment_MintsLicenseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	require.NoError(t, err)

	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	again, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.LicenseKey, again.LicenseKey)

	n, err := f.repos.License.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := f.svc.ValidateLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.True(t, st.Usable)
	assert.Equal(t, PlanMonthly, st.PlanType)
	require.NotNil(t, st.Expiry)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *st.Expiry)
}

func TestOrderStateIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	_, err := f.svc.ConfirmPayment(ctx, paid.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, paid.ID)
	assert.ErrorIs(t, err, apperror.ErrOrderNotPending)
	_, err = f.svc.FailOrder(ctx, paid.ID)
	assert.ErrorIs(t, err, apperror.ErrOrderNotPending)

	cancelled, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	c, err := f.svc.CancelOrder(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, c.Status)
	assert.NotNil(t, c.CancelledAt)
	_, err = f.svc.ConfirmPayment(ctx, cancelled.ID)
	assert.ErrorIs(t, err, apperror.ErrOrderNotPending)

	got, err := f.svc.GetOrder(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Empty(t, got.LicenseKey)

	_, err = f.svc.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrOrderNotFound)
}

func TestConfirmPayment_BindsOrderingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "u1")

	order, err := f.svc.CreateOrder(ctx, "lifetime", "alipay", "u1")
	require.NoError(t, err)
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	u, err := f.repos.User.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, paid.LicenseKey, u.LicenseKey)
	assert.Equal(t, PlanLifetime, u.SubscriptionPlan)
	assert.Nil(t, u.SubscriptionExpiry)

	// A shorter plan bought later does not replace a lifetime license.
	monthly, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "u1")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, monthly.ID)
	require.NoError(t, err)

	u, err = f.repos.User.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, paid.LicenseKey, u.LicenseKey)
}

func TestValidateLicense_Reasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.ValidateLicense(ctx, "PB-NOPE")
	require.NoError(t, err)
	assert.False(t, st.Usable)
	assert.Equal(t, models.LicenseReasonUnknown, st.Reason)

	_, err = f.svc.ValidateLicense(ctx, " ")
	assert.ErrorIs(t, err, apperror.ErrInvalidRequest)

	order, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * 24 * time.Hour)
	st, err = f.svc.ValidateLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.False(t, st.Usable)
	assert.Equal(t, models.LicenseReasonExpired, st.Reason)

	lic, err := f.repos.License.GetByKey(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.True(t, lic.IsActive, "validation never mutates")
}

func TestRevokeLicense_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.svc.CreateOrder(ctx, "lifetime", "alipay", "")
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	first, err := f.svc.RevokeLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)

	f.clock.Advance(time.Hour)
	second, err := f.svc.RevokeLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)

	st, err := f.svc.ValidateLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.False(t, st.Usable)
	assert.Equal(t, models.LicenseReasonRevoked, st.Reason)

	_, err = f.svc.RevokeLicense(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrLicenseNotFound)
}

func TestSubscriptionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	f.clock.Advance(36 * time.Hour)
	sub, err := f.svc.SubscriptionStatus(ctx, paid.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "Pro Monthly", sub.PlanName)
	require.NotNil(t, sub.DaysRemaining)
	assert.Equal(t, 29, *sub.DaysRemaining)
	assert.True(t, sub.Usable)

	life, _ := f.svc.CreateOrder(ctx, "lifetime", "alipay", "")
	lifePaid, err := f.svc.ConfirmPayment(ctx, life.ID)
	require.NoError(t, err)
	sub, err = f.svc.SubscriptionStatus(ctx, lifePaid.LicenseKey)
	require.NoError(t, err)
	assert.Nil(t, sub.DaysRemaining)

	_, err = f.svc.SubscriptionStatus(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrLicenseNotFound)
}

func TestActivateLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "u1")
	f.user(t, "u2")

	order, _ := f.svc.CreateOrder(ctx, "yearly", "alipay", "")
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	st, err := f.svc.ActivateLicense(ctx, "u1", paid.LicenseKey)
	require.NoError(t, err)
	assert.True(t, st.Usable)

	u, err := f.repos.User.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, paid.LicenseKey, u.LicenseKey)

	_, err = f.svc.ActivateLicense(ctx, "u1", paid.LicenseKey)
	assert.NoError(t, err, "re-activating for the same user is fine")

	_, err = f.svc.ActivateLicense(ctx, "u2", paid.LicenseKey)
	assert.ErrorIs(t, err, apperror.ErrLicenseTaken)

	_, err = f.svc.ActivateLicense(ctx, "u2", "missing")
	assert.ErrorIs(t, err, apperror.ErrLicenseNotFound)

	_, err = f.svc.RevokeLicense(ctx, paid.LicenseKey)
	require.NoError(t, err)
	_, err = f.svc.ActivateLicense(ctx, "u1", paid.LicenseKey)
	assert.ErrorIs(t, err, apperror.ErrLicenseUnusable)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","type":"payment.succeeded","order_id":"` + order.ID + `"}`)

	_, _, err = f.svc.HandleWebhook(ctx, payload, "bad")
	assert.ErrorIs(t, err, apperror.ErrInvalidSignature)

	got, dup, err := f.svc.HandleWebhook(ctx, payload, SignWebhook(payload, testSecret))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	again, dup, err := f.svc.HandleWebhook(ctx, payload, SignWebhook(payload, testSecret))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, got.LicenseKey, again.LicenseKey)

	other, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	failed := []byte(`{"id":"evt_2","type":"payment.failed","order_id":"` + other.ID + `"}`)
	got, _, err = f.svc.HandleWebhook(ctx, failed, SignWebhook(failed, testSecret))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, got.Status)
}

func TestReconcilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	n, err := f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.gateway.set(GatewayPaid, nil)
	n, err = f.svc.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := f.repos.Order.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats[models.OrderStatusPaid])
}

func TestListOrdersAndLicenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, _ := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	_, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)

	orders, total, err := f.svc.ListOrders(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, orders, 1)

	licenses, total, err := f.svc.ListLicenses(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, licenses, 1)
}

var errConnReset = errors.New("db: connection reset")

// flakyLicenses fails the next failures calls to Create.
type flakyLicenses struct {
	repository.LicenseRepository
	mu       sync.Mutex
	failures int
}

func (l *flakyLicenses) Create(ctx context.Context, lic *models.License) error {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return errConnReset
	}
	l.mu.Unlock()
	return l.LicenseRepository.Create(ctx, lic)
}

// brokenSaveOrders runs the paid callback and then fails as a failed
// commit would.
type brokenSaveOrders struct {
	repository.OrderRepository
}

func (o brokenSaveOrders) MarkPaid(ctx context.Context, id string, fn func(o *models.Order) (*models.License, error)) (*models.Order, error) {
	return o.OrderRepository.MarkPaid(ctx, id, func(ord *models.Order) (*models.License, error) {
		if _, err := fn(ord); err != nil {
			return nil, err
		}
		return nil, errors.New("db: deadlock found when trying to get lock")
	})
}

// flakyUsers fails the next failures calls to Update.
type flakyUsers struct {
	repository.UserRepository
	failures int
}

func (u *flakyUsers) Update(ctx context.Context, id string, fn func(*models.User) error) (*models.User, error) {
	if u.failures > 0 {
		u.failures--
		return nil, errConnReset
	}
	return u.UserRepository.Update(ctx, id, fn)
}

func TestHandleWebhook_RedeliveryAppliesAfterFailure(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	licenses := &flakyLicenses{LicenseRepository: repository.NewMemoryLicenseRepository(), failures: 1}
	repos.License = licenses
	repos.Order = repository.NewMemoryOrderRepository(licenses)
	f := newFixtureWith(t, repos)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "lifetime", "alipay", "")
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_retry","type":"payment.succeeded","order_id":"` + order.ID + `"}`)
	sig := SignWebhook(payload, testSecret)

	_, _, err = f.svc.HandleWebhook(ctx, payload, sig)
	assert.ErrorIs(t, err, errConnReset)
	got, err := repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)

	got, dup, err := f.svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.NotEmpty(t, got.LicenseKey)

	_, dup, err = f.svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, dup)

	n, err := licenses.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandleWebhook_SettledConflictIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "")
	require.NoError(t, err)
	_, err = f.svc.CancelOrder(ctx, order.ID)
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_late","type":"payment.succeeded","order_id":"` + order.ID + `"}`)
	sig := SignWebhook(payload, testSecret)
	_, _, err = f.svc.HandleWebhook(ctx, payload, sig)
	assert.ErrorIs(t, err, apperror.ErrOrderNotPending)

	got, dup, err := f.svc.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestConfirmPayment_FailedSaveLeavesNoLicense(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	healthy := repos.Order
	repos.Order = brokenSaveOrders{OrderRepository: healthy}
	f := newFixtureWith(t, repos)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, "lifetime", "alipay", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.ConfirmPayment(ctx, order.ID)
		require.Error(t, err)
	}
	n, err := repos.License.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got, err := healthy.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.Empty(t, got.LicenseKey)

	repos.Order = healthy
	paid, err := newFixtureWith(t, repos).svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)
	n, err = repos.License.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReconcileBindings(t *testing.T) {
	repos := repository.NewMemoryRepositories()
	users := &flakyUsers{UserRepository: repos.User}
	repos.User = users
	f := newFixtureWith(t, repos)
	ctx := context.Background()
	f.user(t, "u1")

	users.failures = 1
	order, err := f.svc.CreateOrder(ctx, "monthly", "alipay", "u1")
	require.NoError(t, err)
	paid, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err, "payment stays confirmed when binding fails")

	u, err := repos.User.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.LicenseKey)

	n, err := f.svc.ReconcileBindings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	u, err = repos.User.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, paid.LicenseKey, u.LicenseKey)
	assert.Equal(t, PlanMonthly, u.SubscriptionPlan)

	n, err = f.svc.ReconcileBindings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Outside the window nothing is revisited.
	f.clock.Advance(ReconcileWindow + time.Minute)
	n, err = f.svc.ReconcileBindings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
