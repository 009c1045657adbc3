package controllers

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/billing"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usercontext"
)

// BillingController serves plans, orders, licenses and gateway callbacks.
type BillingController struct {
	billing  *billing.Service
	accounts *accounts.Service
}

func NewBillingController(bill *billing.Service, acc *accounts.Service) *BillingController {
	return &BillingController{billing: bill, accounts: acc}
}

func (bc *BillingController) HandlePlans(c *fiber.Ctx) error {
	return c.JSON(apiv1.PlansResponse{Success: true, Plans: billing.Plans()})
}

func (bc *BillingController) HandlePaymentMethods(c *fiber.Ctx) error {
	return c.JSON(apiv1.PaymentMethodsResponse{Success: true, Methods: billing.PaymentMethods()})
}

// HandleCreateOrder opens an order. Signed-in callers get the license bound
// to their account once paid.
func (bc *BillingController) HandleCreateOrder(c *fiber.Ctx) error {
	var req apiv1.CreateOrderRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, err)
	}

	order, err := bc.billing.CreateOrder(c.UserContext(), req.PlanType, req.PaymentMethod, usercontext.GetUserID(c))
	if err != nil {
		return RespondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(apiv1.OrderResponse{Success: true, Order: *order})
}

// HandleGetOrder returns the order, asking the gateway once if it is still
// pending.
func (bc *BillingController) HandleGetOrder(c *fiber.Ctx) error {
	order, err := bc.billing.GetOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.OrderResponse{Success: true, Order: *order})
}

func (bc *BillingController) HandleValidateLicense(c *fiber.Ctx) error {
	var req apiv1.LicenseKeyRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, err)
	}

	status, err := bc.billing.ValidateLicense(c.UserContext(), req.LicenseKey)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.ValidateLicenseResponse{Success: true, LicenseStatus: *status})
}

func (bc *BillingController) HandleActivateLicense(c *fiber.Ctx) error {
	var req apiv1.LicenseKeyRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, err)
	}
	userID := usercontext.GetUserID(c)
	if userID == "" {
		return RespondError(c, apperror.ErrTokenInvalid)
	}

	status, err := bc.billing.ActivateLicense(c.UserContext(), userID, req.LicenseKey)
	if err != nil {
		return RespondError(c, err)
	}
	profile, err := bc.accounts.Profile(c.UserContext(), userID)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.ActivateLicenseResponse{Success: true, License: *status, User: *profile})
}

func (bc *BillingController) HandleSubscription(c *fiber.Ctx) error {
	sub, err := bc.billing.SubscriptionStatus(c.UserContext(), c.Params("key"))
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.SubscriptionResponse{Success: true, Subscription: *sub})
}

// HandleWebhook applies a signed payment gateway callback.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	order, duplicate, err := bc.billing.HandleWebhook(c.UserContext(), c.Body(), c.Get(billing.WebhookSignatureHeader))
	if err != nil {
		return RespondError(c, err)
	}
	resp := apiv1.WebhookResponse{Success: true, Duplicate: duplicate}
	if order != nil {
		resp.Status = order.Status
	}
	return c.JSON(resp)
}
