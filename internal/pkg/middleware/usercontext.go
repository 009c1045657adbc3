package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PageBrief/app/controllers"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/usercontext"
)

// UserContextMiddleware resolves an optional user bearer token. Requests
// without a token continue anonymously; a token that does not validate is
// rejected so clients notice a stale session instead of silently acting as
// a guest.
func UserContextMiddleware(acc *accounts.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := controllers.BearerToken(c)
		if token == "" {
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		id, err := acc.Authenticate(c.UserContext(), token)
		if err != nil {
			return controllers.RespondError(c, err)
		}
		usercontext.Set(c, usercontext.UserContext{
			UserID:     id,
			Token:      token,
			IsLoggedIn: true,
		})
		return c.Next()
	}
}
