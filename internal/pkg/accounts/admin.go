package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
)

type AdminSession struct {
	Admin     models.Admin `json:"admin"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// SeedAdmin creates the operator account if it does not exist yet. An empty
// password disables seeding.
func (s *Service) SeedAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		log.Warn("[Accounts] ADMIN_USERNAME or ADMIN_PASSWORD not set, no admin account seeded")
		return nil
	}

	_, err := s.admins.GetByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := models.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &models.Admin{
		Username: username,
		Password: hash,
		Name:     "Administrator",
		Role:     models.ROLE_ADMIN,
	}
	if err := s.admins.Create(ctx, admin); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("create admin: %w", err)
	}
	log.Infof("[Accounts] seeded admin account %s", username)
	return nil
}

func (s *Service) AdminLogin(ctx context.Context, username, password string) (*AdminSession, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperror.ErrInvalidRequest
	}

	admin, err := s.admins.GetByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		models.CheckPasswordHash(password, s.dummyHash)
		return nil, apperror.ErrInvalidAdmin
	}
	if err != nil {
		return nil, fmt.Errorf("lookup admin: %w", err)
	}
	if !admin.CheckPassword(password) {
		return nil, apperror.ErrInvalidAdmin
	}

	now := s.clock.Now()
	if err := s.admins.TouchLogin(ctx, username, now); err != nil {
		log.Warnf("[Accounts] could not stamp admin login for %s: %v", username, err)
	}
	admin.LastLoginAt = &now

	token, expires, err := s.adminTokens.Issue(ctx, admin.Username)
	if err != nil {
		return nil, err
	}
	return &AdminSession{Admin: *admin, Token: token, ExpiresAt: expires}, nil
}

// VerifyAdmin resolves an admin token. User tokens are never accepted.
func (s *Service) VerifyAdmin(ctx context.Context, token string) (*models.Admin, error) {
	username, ok, err := s.adminTokens.Validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("validate admin token: %w", err)
	}
	if !ok {
		return nil, apperror.ErrTokenInvalid
	}
	admin, err := s.admins.GetByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = s.adminTokens.Revoke(ctx, token)
		return nil, apperror.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup admin: %w", err)
	}
	return admin, nil
}

// ListUsers returns a page of user profiles and the total count.
func (s *Service) ListUsers(ctx context.Context, offset, limit int) ([]models.Profile, int64, error) {
	users, err := s.users.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	total, err := s.users.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	out := make([]models.Profile, 0, len(users))
	for i := range users {
		p, err := s.profileOf(ctx, &users[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

// SetUserActive enables or disables an account. Disabling also drops the
// user's tokens; the entitlement check rejects disabled users either way.
func (s *Service) SetUserActive(ctx context.Context, id string, active bool) (*models.Profile, error) {
	user, err := s.users.Update(ctx, id, func(u *models.User) error {
		u.IsActive = active
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	if !active {
		if n, err := s.userTokens.RevokeAll(ctx, id); err != nil {
			log.Warnf("[Accounts] could not revoke tokens of %s: %v", id, err)
		} else if n > 0 {
			log.Infof("[Accounts] revoked %d tokens of disabled user %s", n, id)
		}
	}

	p, err := s.profileOf(ctx, user)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
