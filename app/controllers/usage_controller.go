package controllers

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usage"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usercontext"
)

// UsageController is the server half of the gate around a summarization.
type UsageController struct {
	usage *usage.Service
}

func NewUsageController(svc *usage.Service) *UsageController {
	return &UsageController{usage: svc}
}

// an empty body means the default action
func parseUsageRequest(c *fiber.Ctx) (apiv1.UsageRequest, error) {
	var req apiv1.UsageRequest
	if len(c.Body()) == 0 {
		return req, nil
	}
	if err := c.BodyParser(&req); err != nil {
		return req, apperror.Wrap(apperror.ErrInvalidRequest, err)
	}
	return req, nil
}

// HandleAuthorize answers 200 for both outcomes; a denial carries allowed
// false and the reason.
func (uc *UsageController) HandleAuthorize(c *fiber.Ctx) error {
	req, err := parseUsageRequest(c)
	if err != nil {
		return RespondError(c, err)
	}

	res, err := uc.usage.Authorize(c.UserContext(), usercontext.GetUserID(c), req.Action)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.UsageResponse{
		Success:  true,
		Decision: res.Decision,
		Message:  res.Reason.Message(),
		User:     res.User,
	})
}

// HandleCommit records one successful action. Losing the race for the last
// slot answers 402 with the denial reason.
func (uc *UsageController) HandleCommit(c *fiber.Ctx) error {
	req, err := parseUsageRequest(c)
	if err != nil {
		return RespondError(c, err)
	}

	res, err := uc.usage.Commit(c.UserContext(), usercontext.GetUserID(c), req.Action)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.UsageResponse{Success: true, Decision: res.Decision, User: res.User})
}
