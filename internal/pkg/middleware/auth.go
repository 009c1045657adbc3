package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PageBrief/app/controllers"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	icuser "github.com/ManuelReschke/PageBrief/internal/pkg/usercontext"
)

// RequireAuth ensures a valid user token; answers 401 otherwise.
func RequireAuth(acc *accounts.Service) fiber.Handler {
	resolve := UserContextMiddleware(acc)
	return func(c *fiber.Ctx) error {
		if controllers.BearerToken(c) == "" {
			return controllers.RespondError(c, apperror.ErrTokenInvalid)
		}
		return resolve(c)
	}
}

// RequireAdmin ensures a valid admin token. User tokens live in a separate
// namespace and are rejected here.
func RequireAdmin(acc *accounts.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := controllers.BearerToken(c)
		if token == "" {
			return controllers.RespondError(c, apperror.ErrTokenInvalid)
		}
		admin, err := acc.VerifyAdmin(c.UserContext(), token)
		if err != nil {
			return controllers.RespondError(c, err)
		}
		icuser.Set(c, icuser.UserContext{
			AdminUsername: admin.Username,
			Token:         token,
			IsLoggedIn:    true,
			IsAdmin:       true,
		})
		return c.Next()
	}
}
