package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/cache"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/database"
	"github.com/ManuelReschke/PageBrief/internal/pkg/env"
	"github.com/ManuelReschke/PageBrief/internal/pkg/housekeeping"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mail"
	"github.com/ManuelReschke/PageBrief/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PageBrief/internal/pkg/ratelimit"
	"github.com/ManuelReschke/PageBrief/internal/pkg/router"
	"github.com/ManuelReschke/PageBrief/internal/pkg/s3backup"
	"github.com/ManuelReschke/PageBrief/internal/pkg/statistics"
	"github.com/ManuelReschke/PageBrief/internal/pkg/tokens"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usage"
	"github.com/ManuelReschke/PageBrief/internal/pkg/verification"
)

func main() {
	env.SetupEnvFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := NewApplication(ctx)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	application.Jobs.Start(ctx)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		application.Jobs.Stop()
		_ = application.App.ShutdownWithTimeout(10 * time.Second)
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := application.App.Listen(addr); err != nil {
		log.Fatal(err)
	}
	_ = cache.Close()
}

// Application is the HTTP app together with its background jobs.
type Application struct {
	App  *fiber.App
	Jobs *housekeeping.Manager
}

func findBasePath() string {
	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/pagebrief-server to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	return ""
}

// NewApplication wires stores, services and routes. STORE_BACKEND=memory
// and CACHE_BACKEND=memory run without MySQL and Redis.
func NewApplication(ctx context.Context) (*Application, error) {
	basePath := findBasePath()
	if basePath == "" {
		return nil, fmt.Errorf("could not find project root directory")
	}

	clk := clock.Real()
	loc := env.Location()

	// a nil db makes the factory hand out in-memory repositories
	var db *gorm.DB
	if env.GetEnv("STORE_BACKEND", "mysql") == "memory" {
		log.Warn("STORE_BACKEND=memory: accounts and orders are lost on restart")
	} else {
		var err error
		if db, err = database.SetupDatabase(); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
	}
	repos := repository.NewFactory(db).GetRepositories()

	var (
		rdb        *redis.Client
		tokenStore tokens.Store
		codes      verification.Store
		ctr        counter.Counter
		limiterDB  fiber.Storage
	)
	switch env.GetEnv("CACHE_BACKEND", "redis") {
	case "memory":
		tokenStore = tokens.NewMemoryStore()
		codes = verification.NewMemoryStore()
		ctr = counter.NewMemoryCounter()
	default:
		rdb = cache.GetClient()
		tokenStore = tokens.NewRedisStore(rdb)
		codes = verification.NewRedisStore(rdb)
		ctr = counter.NewRedisCounter(rdb)
		limiterDB = ratelimit.NewRedisStorage(rdb)
	}

	acc := accounts.NewService(accounts.Deps{
		Users:       repos.User,
		Admins:      repos.Admin,
		Licenses:    repos.License,
		Codes:       codes,
		Mailer:      mail.FromEnv(),
		UserTokens:  tokens.NewAuthority(tokens.NamespaceUser, tokens.UserTTL, tokenStore, clk),
		AdminTokens: tokens.NewAuthority(tokens.NamespaceAdmin, tokens.AdminTTL, tokenStore, clk),
		Clock:       clk,
		Location:    loc,
	})
	if err := acc.SeedAdmin(ctx, env.GetEnv("ADMIN_USERNAME", "admin"), env.GetEnv("ADMIN_PASSWORD", "")); err != nil {
		return nil, err
	}

	bill := billing.NewService(billing.Deps{
		Orders:        repos.Order,
		Licenses:      repos.License,
		Users:         repos.User,
		WebhookEvents: repos.WebhookEvent,
		Gateway:       billing.GatewayFromEnv(),
		Clock:         clk,
		WebhookSecret: env.GetEnv("PAYMENT_WEBHOOK_SECRET", ""),
	})
	stats := statistics.NewCollector(repos, ctr, rdb, clk, loc)

	jobDeps := housekeeping.Deps{Accounts: acc, Billing: bill, Repos: repos, Clock: clk}
	backupCfg, err := s3backup.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("ledger backup: %w", err)
	}
	if backupCfg.IsEnabled() {
		client, err := s3backup.NewClient(ctx, backupCfg)
		if err != nil {
			log.Warnf("[S3Backup] disabled, could not reach bucket: %v", err)
		} else {
			jobDeps.Backup = client
			jobDeps.BackupConfig = backupCfg
		}
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "PageBrief",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Accounts:       acc,
		Billing:        bill,
		Usage:          usage.NewService(repos.User, repos.License, ctr, clk, loc),
		Statistics:     stats,
		LimiterStorage: limiterDB,
	})

	return &Application{
		App:  app,
		Jobs: housekeeping.NewManager(housekeeping.DefaultTasks(jobDeps)...),
	}, nil
}
