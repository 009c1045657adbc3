package controllers

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/ManuelReschke/PageBrief/internal/api/v1"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
)

// AuthController serves registration, login and token checks for users.
type AuthController struct {
	accounts *accounts.Service
}

func NewAuthController(acc *accounts.Service) *AuthController {
	return &AuthController{accounts: acc}
}

func (ac *AuthController) HandleSendVerification(c *fiber.Ctx) error {
	var req apiv1.SendVerificationRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, apperror.ErrInvalidEmail)
	}

	dispatch, err := ac.accounts.SendVerificationCode(c.UserContext(), req.Email)
	if err != nil {
		return RespondError(c, err)
	}

	msg := "verification code sent"
	if dispatch.DeliveryUnconfirmed {
		msg = "verification code created, delivery could not be confirmed"
	}
	return c.JSON(apiv1.SendVerificationResponse{
		Success:             true,
		Message:             msg,
		ExpiresIn:           dispatch.ExpiresIn,
		DeliveryUnconfirmed: dispatch.DeliveryUnconfirmed,
	})
}

func (ac *AuthController) HandleRegister(c *fiber.Ctx) error {
	var req apiv1.RegisterRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, apperror.ErrInvalidEmail)
	}

	session, err := ac.accounts.Register(c.UserContext(), req.Email, req.Password, req.Code)
	if err != nil {
		return RespondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(apiv1.SessionResponse{
		Success:   true,
		User:      session.User,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

func (ac *AuthController) HandleLogin(c *fiber.Ctx) error {
	var req apiv1.LoginRequest
	if err := parseBody(c, &req); err != nil {
		return RespondError(c, apperror.ErrInvalidCreds)
	}

	session, err := ac.accounts.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.SessionResponse{
		Success:   true,
		User:      session.User,
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

// HandleVerifyToken accepts the token as a bearer header or in the body.
func (ac *AuthController) HandleVerifyToken(c *fiber.Ctx) error {
	token := BearerToken(c)
	if token == "" && len(c.Body()) > 0 {
		var req apiv1.VerifyTokenRequest
		if err := c.BodyParser(&req); err == nil {
			token = req.Token
		}
	}
	if token == "" {
		return RespondError(c, apperror.ErrTokenInvalid)
	}

	profile, err := ac.accounts.VerifyToken(c.UserContext(), token)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.UserResponse{Success: true, User: *profile})
}

func (ac *AuthController) HandleLogout(c *fiber.Ctx) error {
	token := BearerToken(c)
	if token == "" {
		return c.JSON(apiv1.Ack{Success: true})
	}
	if err := ac.accounts.Logout(c.UserContext(), token); err != nil {
		return RespondError(c, err)
	}
	return c.JSON(apiv1.Ack{Success: true, Message: "logged out"})
}
