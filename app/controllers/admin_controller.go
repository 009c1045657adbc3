package controllers

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/statistics"
)

// AdminController handles the operator endpoints
type AdminController struct {
	accounts *accounts.Service
	billing  *billing.Service
	stats    *statistics.Collector
}

// NewAdminController creates a new admin controller with service dependencies
func NewAdminController(acc *accounts.Service, bill *billing.Service, stats *statistics.Collector) *AdminController {
	return &AdminController{accounts: acc, billing: bill, stats: stats}
}

func (ac *AdminController) HandleLogin(c *fiber.Ctx) error {
	var req apiv1.AdminLoginRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, apperror.ErrInvalidAdmin)
	}

	session, err := ac.accounts.AdminLogin(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.AdminSessionResponse{
		Success:   true,
		Admin:     apiv1.NewAdminInfo(&session.Admin),
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

func (ac *AdminController) HandleVerify(c *fiber.Ctx) error {
	admin, err := ac.accounts.VerifyAdmin(c.UserContext(), BearerToken(c))
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.AdminResponse{Success: true, Admin: apiv1.NewAdminInfo(admin)})
}

func (ac *AdminController) HandleUsers(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	users, total, err := ac.accounts.ListUsers(c.UserContext(), offset, limit)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.UserListResponse{Success: true, Users: users, Total: total})
}

func (ac *AdminController) HandleToggleUser(c *fiber.Ctx) error {
	var req apiv1.ToggleUserRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, err)
	}

	profile, err := ac.accounts.SetUserActive(c.UserContext(), c.Params("id"), *req.IsActive)
	if err != nil {
		return RespondError(c, err)
	}
	ac.stats.Invalidate(c.UserContext())
	return c.JSON(apiv1.UserResponse{Success: true, User: *profile})
}

func (ac *AdminController) HandleOrders(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	orders, total, err := ac.billing.ListOrders(c.UserContext(), offset, limit)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.OrderListResponse{Success: true, Orders: orders, Total: total})
}

func (ac *AdminController) HandleCancelOrder(c *fiber.Ctx) error {
	order, err := ac.billing.CancelOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return RespondError(c, err)
	}
	ac.stats.Invalidate(c.UserContext())
	return c.JSON(apiv1.OrderResponse{Success: true, Order: *order})
}

func (ac *AdminController) HandleLicenses(c *fiber.Ctx) error {
	offset, limit := pagination(c)
	licenses, total, err := ac.billing.ListLicenses(c.UserContext(), offset, limit)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.LicenseListResponse{Success: true, Licenses: licenses, Total: total})
}

func (ac *AdminController) HandleRevokeLicense(c *fiber.Ctx) error {
	license, err := ac.billing.RevokeLicense(c.UserContext(), c.Params("key"))
	if err != nil {
		return RespondError(c, err)
	}
	ac.stats.Invalidate(c.UserContext())
	return c.JSON(apiv1.LicenseResponse{Success: true, License: *license})
}

func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	stats, err := ac.stats.Get(c.UserContext())
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.StatsResponse{Success: true, Stats: *stats})
}
