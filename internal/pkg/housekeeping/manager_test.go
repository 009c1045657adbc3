package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mail"
	"github.com/ManuelReschke/PageBrief/internal/pkg/s3backup"
	"github.com/ManuelReschke/PageBrief/internal/pkg/tokens"
	"github.com/ManuelReschke/PageBrief/internal/pkg/verification"
)

func TestManager_RunsTasksUntilStopped(t *testing.T) {
	var runs int32
	m := NewManager(Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})

	assert.False(t, m.IsRunning())
	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())
	stopped := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&runs))

	m.Stop()
}

func TestManager_ErrorsAndPanicsDoNotStopWorker(t *testing.T) {
	var runs int32
	m := NewManager(Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			if n == 1 {
				panic("boom")
			}
			return errors.New("still failing")
		},
	})
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestManager_RunOnce(t *testing.T) {
	called := false
	m := NewManager(Task{Name: "once", Interval: time.Hour, Run: func(ctx context.Context) error {
		called = true
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	}})

	require.NoError(t, m.RunOnce(context.Background(), "once"))
	assert.True(t, called)
	assert.Error(t, m.RunOnce(context.Background(), "missing"))
}

type recordingUploader struct{ keys []string }

func (u *recordingUploader) PutObject(_ context.Context, key string, _ []byte, _ string) error {
	u.keys = append(u.keys, key)
	return nil
}

func TestDefaultTasks(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	repos := repository.NewMemoryRepositories()
	tokenStore := tokens.NewMemoryStore()
	codes := verification.NewMemoryStore()

	acc := accounts.NewService(accounts.Deps{
		Users:       repos.User,
		Admins:      repos.Admin,
		Licenses:    repos.License,
		Codes:       codes,
		Mailer:      mail.LogMailer{},
		UserTokens:  tokens.NewAuthority(tokens.NamespaceUser, tokens.UserTTL, tokenStore, clk),
		AdminTokens: tokens.NewAuthority(tokens.NamespaceAdmin, tokens.AdminTTL, tokenStore, clk),
		Clock:       clk,
		Location:    time.UTC,
	})
	gw := billing.NewSimulatedGateway(1, 1)
	bill := billing.NewService(billing.Deps{
		Orders: repos.Order, Licenses: repos.License, Users: repos.User,
		WebhookEvents: repos.WebhookEvent, Gateway: gw, Clock: clk,
	})
	up := &recordingUploader{}

	m := NewManager(DefaultTasks(Deps{
		Accounts: acc, Billing: bill, Repos: repos, Clock: clk,
		Backup: up, BackupConfig: &s3backup.Config{Interval: time.Hour},
	})...)

	// Tokens: one issued, then expired.
	require.NoError(t, acc.SeedAdmin(ctx, "admin", "admin-secret"))
	_, err := acc.AdminLogin(ctx, "admin", "admin-secret")
	require.NoError(t, err)
	assert.Equal(t, 1, tokenStore.Len())
	clk.Advance(tokens.AdminTTL + time.Second)
	require.NoError(t, m.RunOnce(ctx, TaskTokenSweep))
	assert.Equal(t, 0, tokenStore.Len())

	// Codes.
	_, err = acc.SendVerificationCode(ctx, "user@example.com")
	require.NoError(t, err)
	clk.Advance(verification.TTL + time.Second)
	require.NoError(t, m.RunOnce(ctx, TaskCodeSweep))
	_, err = codes.Get(ctx, "user@example.com")
	assert.ErrorIs(t, err, verification.ErrNotFound)

	// Pending orders settle through the gateway.
	order, err := bill.CreateOrder(ctx, "monthly", "alipay", "")
	require.NoError(t, err)
	require.NoError(t, m.RunOnce(ctx, TaskReconcile))
	got, err := repos.Order.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	// Nothing left unbound.
	require.NoError(t, m.RunOnce(ctx, TaskBindings))

	require.NoError(t, m.RunOnce(ctx, TaskLedger))
	assert.Len(t, up.keys, 1)
}

func TestDefaultTasksWithoutBackup(t *testing.T) {
	tasks := DefaultTasks(Deps{})
	for _, task := range tasks {
		assert.NotEqual(t, TaskLedger, task.Name)
	}
}
