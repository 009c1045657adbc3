package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/statistics"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usage"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps are the services behind the routes.
type Deps struct {
	Accounts   *accounts.Service
	Billing    *billing.Service
	Usage      *usage.Service
	Statistics *statistics.Collector
	// LimiterStorage holds rate limiter counters; nil keeps them in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, d Deps) {
	setup(app, NewApiRouter(d))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
