package housekeeping

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/ManuelReschke/PageBrief/internal/pkg/s3backup"
)

const (
	TaskTokenSweep = "token-sweep"
	TaskCodeSweep  = "code-sweep"
	TaskReconcile  = "order-reconcile"
	TaskBindings   = "license-binding"
	TaskLedger     = "ledger-backup"

	reconcileBatch = 50
)

type Deps struct {
	Accounts *accounts.Service
	Billing  *billing.Service
	Repos    *repository.Repositories
	Clock    clock.Clock

	// Backup is nil when ledger backups are disabled.
	Backup       s3backup.Uploader
	BackupConfig *s3backup.Config
}

// DefaultTasks builds the server's periodic jobs. Intervals can be
// overridden with HOUSEKEEPING_* variables.
func DefaultTasks(d Deps) []Task {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}

	tasks := []Task{
		{
			Name:     TaskTokenSweep,
			Interval: env.GetEnvDuration("HOUSEKEEPING_TOKEN_SWEEP_INTERVAL", time.Hour),
			Run: func(ctx context.Context) error {
				n, err := d.Accounts.SweepTokens(ctx)
				if n > 0 {
					log.Infof("[Housekeeping] removed %d expired tokens", n)
				}
				return err
			},
		},
		{
			Name:     TaskCodeSweep,
			Interval: env.GetEnvDuration("HOUSEKEEPING_CODE_SWEEP_INTERVAL", 10*time.Minute),
			Run: func(ctx context.Context) error {
				n, err := d.Accounts.SweepCodes(ctx)
				if n > 0 {
					log.Infof("[Housekeeping] removed %d expired verification codes", n)
				}
				return err
			},
		},
		{
			Name:     TaskReconcile,
			Interval: env.GetEnvDuration("HOUSEKEEPING_RECONCILE_INTERVAL", time.Minute),
			Run: func(ctx context.Context) error {
				n, err := d.Billing.ReconcilePending(ctx, reconcileBatch)
				if n > 0 {
					log.Infof("[Housekeeping] reconciled %d pending orders", n)
				}
				return err
			},
		},
		{
			Name:     TaskBindings,
			Interval: env.GetEnvDuration("HOUSEKEEPING_BINDING_INTERVAL", 5*time.Minute),
			Run: func(ctx context.Context) error {
				n, err := d.Billing.ReconcileBindings(ctx, reconcileBatch)
				if n > 0 {
					log.Infof("[Housekeeping] bound %d paid licenses to their buyers", n)
				}
				return err
			},
		},
	}

	if d.Backup != nil && d.BackupConfig != nil {
		cfg := d.BackupConfig
		tasks = append(tasks, Task{
			Name:     TaskLedger,
			Interval: cfg.Interval,
			Timeout:  5 * time.Minute,
			Run: func(ctx context.Context) error {
				key, err := s3backup.Backup(ctx, cfg, d.Backup, d.Repos.Order, d.Repos.License, d.Clock.Now())
				if err == nil {
					log.Infof("[Housekeeping] ledger backed up to %s", key)
				}
				return err
			},
		})
	}
	return tasks
}
