package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext is the caller identity resolved from the bearer token.
type UserContext struct {
	UserID        string `json:"user_id"`
	AdminUsername string `json:"admin_username,omitempty"`
	Token         string `json:"-"`
	IsLoggedIn    bool   `json:"is_logged_in"`
	IsAdmin       bool   `json:"is_admin"`
}

// Set stores uc on the request and mirrors the fields into plain locals.
func Set(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyUserID, uc.UserID)
	c.Locals(KeyToken, uc.Token)
	c.Locals(KeyIsAdmin, uc.IsAdmin)
	if uc.IsAdmin {
		c.Locals(KeyAdminName, uc.AdminUsername)
	}
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current user's ID, or "" for anonymous callers
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}

func GetToken(c *fiber.Ctx) string {
	return GetUserContext(c).Token
}
