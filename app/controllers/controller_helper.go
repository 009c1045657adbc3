package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

var validate = validator.New()

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindRateLimited:
		return fiber.StatusTooManyRequests
	case apperror.KindAuth:
		return fiber.StatusUnauthorized
	case apperror.KindForbidden:
		return fiber.StatusForbidden
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindConflict:
		return fiber.StatusConflict
	case apperror.KindQuota:
		return fiber.StatusPaymentRequired
	case apperror.KindUpstream:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondError writes the error envelope for err. Unclassified errors are
// logged and reported as internal without their details.
func RespondError(c *fiber.Ctx, err error) error {
	kind := apperror.KindOf(err)
	if kind == apperror.KindInternal {
		log.Errorf("%s %s: %v", c.Method(), c.Path(), err)
	}

	body := apiv1.ErrorResponse{
		Success: false,
		Error:   apperror.Code(err),
		Message: apperror.Message(err),
	}
	var denied *entitlements.DeniedError
	if errors.As(err, &denied) {
		remaining := denied.Decision.Remaining
		body.Reason = denied.Decision.Reason
		body.Remaining = &remaining
		if msg := denied.Decision.Reason.Message(); msg != "" {
			body.Message = msg
		}
	}
	return c.Status(StatusFor(kind)).JSON(body)
}

// parseBody decodes the JSON body into out and runs struct validation.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return apperror.Wrap(apperror.ErrInvalidRequest, err)
	}
	if err := validate.Struct(out); err != nil {
		return apperror.Wrap(apperror.ErrInvalidRequest, err)
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// pagination reads offset and limit query parameters.
func pagination(c *fiber.Ctx) (int, int) {
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultPageLimit)))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}
