// Package accounts implements registration, login and the admin account
// flows on top of the user store, the token authorities and the
// verification code store.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/mail"
	"github.com/ManuelReschke/PageBrief/internal/pkg/tokens"
	"github.com/ManuelReschke/PageBrief/internal/pkg/verification"
)

const (
	MinPasswordLength = 6
	mailTimeout       = 10 * time.Second
)

type Deps struct {
	Users       repository.UserRepository
	Admins      repository.AdminRepository
	Licenses    repository.LicenseRepository
	Codes       verification.Store
	Mailer      mail.Mailer
	UserTokens  *tokens.Authority
	AdminTokens *tokens.Authority
	Clock       clock.Clock
	Location    *time.Location
}

type Service struct {
	users       repository.UserRepository
	admins      repository.AdminRepository
	licenses    repository.LicenseRepository
	codes       verification.Store
	mailer      mail.Mailer
	userTokens  *tokens.Authority
	adminTokens *tokens.Authority
	clock       clock.Clock
	loc         *time.Location
	validate    *validator.Validate

	// dummyHash is checked against on unknown emails so a miss costs the
	// same as a wrong password.
	dummyHash string
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Mailer == nil {
		d.Mailer = mail.LogMailer{}
	}
	dummy, _ := models.HashPassword(uuid.NewString())
	return &Service{
		users:       d.Users,
		admins:      d.Admins,
		licenses:    d.Licenses,
		codes:       d.Codes,
		mailer:      d.Mailer,
		userTokens:  d.UserTokens,
		adminTokens: d.AdminTokens,
		clock:       d.Clock,
		loc:         d.Location,
		validate:    validator.New(),
		dummyHash:   dummy,
	}
}

// Session is a principal together with a freshly issued bearer token.
type Session struct {
	User      models.Profile `json:"user"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type CodeDispatch struct {
	ExpiresIn           int  `json:"expires_in"`
	DeliveryUnconfirmed bool `json:"delivery_unconfirmed"`
}

func (s *Service) today() string {
	return clock.Day(s.clock.Now(), s.loc)
}

func normalizeEmail(email string) string {
	return verification.NormalizeEmail(email)
}

func (s *Service) validEmail(email string) bool {
	return email != "" && s.validate.Var(email, "required,email,max=200") == nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 100000+n.Int64()), nil
}

// SendVerificationCode stores a new code for email and mails it. A mail
// failure does not fail the call; the result reports DeliveryUnconfirmed.
func (s *Service) SendVerificationCode(ctx context.Context, email string) (*CodeDispatch, error) {
	email = normalizeEmail(email)
	if !s.validEmail(email) {
		return nil, apperror.ErrInvalidEmail
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}

	now := s.clock.Now()
	err = s.codes.Update(ctx, email, func(cur *verification.Code) (verification.Code, verification.Op, error) {
		if cur != nil && now.Sub(cur.SentAt) < verification.ResendWindow {
			return verification.Code{}, verification.Keep, apperror.ErrCodeRateLimited
		}
		return verification.Code{
			Code:      code,
			ExpiresAt: now.Add(verification.TTL),
			SentAt:    now,
		}, verification.Save, nil
	})
	if err != nil {
		return nil, err
	}

	out := &CodeDispatch{ExpiresIn: int(verification.TTL.Seconds())}

	mailCtx, cancel := context.WithTimeout(ctx, mailTimeout)
	defer cancel()
	if err := s.mailer.SendVerificationCode(mailCtx, email, code); err != nil {
		log.Warnf("[Accounts] verification mail to %s not delivered: %v", email, err)
		out.DeliveryUnconfirmed = true
	}
	return out, nil
}

// Register creates a free account once the emailed code checks out.
func (s *Service) Register(ctx context.Context, email, password, code string) (*Session, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)

	if !s.validEmail(email) {
		return nil, apperror.ErrInvalidEmail
	}
	if len(password) < MinPasswordLength {
		return nil, apperror.ErrWeakPassword
	}
	if code == "" {
		return nil, apperror.ErrMissingCode
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, apperror.ErrDuplicateEmail
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	if err := s.checkCode(ctx, email, code); err != nil {
		return nil, err
	}

	user, err := models.NewUser(uuid.NewString(), email, password, s.today())
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrInvalidRequest, err)
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperror.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.codes.Delete(ctx, email); err != nil {
		log.Warnf("[Accounts] could not clear verification code for %s: %v", email, err)
	}

	log.Infof("[Accounts] registered user %s", user.ID)
	return s.newSession(ctx, user)
}

func (s *Service) checkCode(ctx context.Context, email, code string) error {
	now := s.clock.Now()
	return s.codes.Update(ctx, email, func(cur *verification.Code) (verification.Code, verification.Op, error) {
		switch {
		case cur == nil:
			return verification.Code{}, verification.Keep, apperror.ErrNoCodeRequested
		case cur.Expired(now):
			return verification.Code{}, verification.Remove, apperror.ErrCodeExpired
		case cur.Attempts >= verification.MaxAttempts:
			return verification.Code{}, verification.Remove, apperror.ErrTooManyAttempts
		case subtle.ConstantTimeCompare([]byte(cur.Code), []byte(code)) != 1:
			next := *cur
			next.Attempts++
			return next, verification.Save, apperror.ErrWrongCode
		}
		return *cur, verification.Keep, nil
	})
}

// Login checks credentials and issues a fresh token. Unknown email and wrong
// password return the same error.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if !s.validEmail(email) {
		return nil, apperror.ErrInvalidEmail
	}
	if password == "" {
		return nil, apperror.ErrInvalidCreds
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		models.CheckPasswordHash(password, s.dummyHash)
		return nil, apperror.ErrInvalidCreds
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}
	if !user.CheckPassword(password) {
		return nil, apperror.ErrInvalidCreds
	}
	if !user.IsActive {
		return nil, apperror.ErrAccountDisabled
	}

	now := s.clock.Now()
	today := s.today()
	user, err = s.users.Update(ctx, user.ID, func(u *models.User) error {
		u.ResetUsageIfStale(today)
		u.LastLoginAt = &now
		if models.IsLegacyPasswordHash(u.Password) {
			return u.SetPassword(password)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update user on login: %w", err)
	}

	return s.newSession(ctx, user)
}

func (s *Service) newSession(ctx context.Context, user *models.User) (*Session, error) {
	profile, err := s.profileOf(ctx, user)
	if err != nil {
		return nil, err
	}
	token, expires, err := s.userTokens.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Session{User: profile, Token: token, ExpiresAt: expires}, nil
}

// Authenticate resolves a user token to its principal id.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	id, ok, err := s.userTokens.Validate(ctx, token)
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		return "", apperror.ErrTokenInvalid
	}
	return id, nil
}

// VerifyToken returns the profile behind token, applying the deferred daily
// reset if the stored counters are from an earlier day.
func (s *Service) VerifyToken(ctx context.Context, token string) (*models.Profile, error) {
	id, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = s.userTokens.Revoke(ctx, token)
		return nil, apperror.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, apperror.ErrAccountDisabled
	}

	today := s.today()
	if user.LastResetDate != today {
		user, err = s.users.Update(ctx, id, func(u *models.User) error {
			u.ResetUsageIfStale(today)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reset usage: %w", err)
		}
	}

	profile, err := s.profileOf(ctx, user)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.userTokens.Revoke(ctx, token)
}

// Profile loads the client view of user id.
func (s *Service) Profile(ctx context.Context, id string) (*models.Profile, error) {
	user, err := s.users.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	profile, err := s.profileOf(ctx, user)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *Service) profileOf(ctx context.Context, user *models.User) (models.Profile, error) {
	usable, err := LicenseUsable(ctx, s.licenses, user.LicenseKey, s.clock.Now())
	if err != nil {
		return models.Profile{}, err
	}
	return user.Profile(usable, s.today()), nil
}

// LicenseUsable reports whether key names a license usable at now. An empty
// or unknown key is simply not usable.
func LicenseUsable(ctx context.Context, licenses repository.LicenseRepository, key string, now time.Time) (bool, error) {
	if key == "" || licenses == nil {
		return false, nil
	}
	lic, err := licenses.GetByKey(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load license: %w", err)
	}
	return lic.Usable(now), nil
}

// SweepCodes removes expired verification codes.
func (s *Service) SweepCodes(ctx context.Context) (int, error) {
	return s.codes.DeleteExpired(ctx, s.clock.Now())
}

// SweepTokens removes expired user and admin tokens.
func (s *Service) SweepTokens(ctx context.Context) (int, error) {
	n, err := s.userTokens.Sweep(ctx)
	if err != nil {
		return n, err
	}
	m, err := s.adminTokens.Sweep(ctx)
	return n + m, err
}
