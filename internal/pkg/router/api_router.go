package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PageBrief/app/controllers"
	"github.com/ManuelReschke/PageBrief/internal/pkg/middleware"
	"github.com/ManuelReschke/PageBrief/internal/pkg/ratelimit"
)

type ApiRouter struct {
	deps Deps
}

func tooManyRequests(c *fiber.Ctx) error {
	return controllers.RespondError(c, ratelimit.ErrTooManyRequests)
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	d := h.deps
	api := app.Group("/api", ratelimit.New(ratelimit.APIRule(), d.LimiterStorage, tooManyRequests))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	authCtl := controllers.NewAuthController(d.Accounts)
	adminCtl := controllers.NewAdminController(d.Accounts, d.Billing, d.Statistics)
	billingCtl := controllers.NewBillingController(d.Billing, d.Accounts)
	usageCtl := controllers.NewUsageController(d.Usage)

	requireUser := middleware.RequireAuth(d.Accounts)
	optionalUser := middleware.UserContextMiddleware(d.Accounts)
	requireAdmin := middleware.RequireAdmin(d.Accounts)

	auth := api.Group("/auth")
	auth.Post("/send-verification",
		ratelimit.New(ratelimit.VerificationRule(), d.LimiterStorage, tooManyRequests),
		authCtl.HandleSendVerification)
	auth.Post("/register", authCtl.HandleRegister)
	auth.Post("/login", authCtl.HandleLogin)
	auth.Post("/verify-token", authCtl.HandleVerifyToken)
	auth.Post("/logout", authCtl.HandleLogout)

	// Admin routes take the guard per route so login stays public.
	admin := api.Group("/admin")
	admin.Post("/login", adminCtl.HandleLogin)
	admin.Post("/verify", adminCtl.HandleVerify)
	admin.Get("/users", requireAdmin, adminCtl.HandleUsers)
	admin.Post("/users/:id/toggle", requireAdmin, adminCtl.HandleToggleUser)
	admin.Get("/orders", requireAdmin, adminCtl.HandleOrders)
	admin.Post("/orders/:id/cancel", requireAdmin, adminCtl.HandleCancelOrder)
	admin.Get("/licenses", requireAdmin, adminCtl.HandleLicenses)
	admin.Post("/licenses/:key/revoke", requireAdmin, adminCtl.HandleRevokeLicense)
	admin.Get("/stats", requireAdmin, adminCtl.HandleStats)

	api.Get("/plans", billingCtl.HandlePlans)
	api.Get("/payment-methods", billingCtl.HandlePaymentMethods)
	api.Post("/orders", optionalUser, billingCtl.HandleCreateOrder)
	api.Get("/orders/:id", billingCtl.HandleGetOrder)
	api.Post("/license/validate", billingCtl.HandleValidateLicense)
	api.Post("/license/activate", requireUser, billingCtl.HandleActivateLicense)
	api.Get("/subscription/:key", billingCtl.HandleSubscription)
	api.Post("/payments/webhook", billingCtl.HandleWebhook)

	api.Post("/usage/authorize", requireUser, usageCtl.HandleAuthorize)
	api.Post("/usage/commit", requireUser, usageCtl.HandleCommit)
}

func NewApiRouter(d Deps) *ApiRouter {
	return &ApiRouter{deps: d}
}
