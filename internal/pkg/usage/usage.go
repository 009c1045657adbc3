// Package usage is the server side of the gate: it authorizes a gated action
// for a signed-in user and records it after the action succeeded.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/accounts"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
	"github.com/ManuelReschke/PageBrief/internal/pkg/entitlements"
	"github.com/ManuelReschke/PageBrief/internal/pkg/metrics/counter"
)

type Service struct {
	users    repository.UserRepository
	licenses repository.LicenseRepository
	counter  counter.Counter
	clock    clock.Clock
	loc      *time.Location
}

func NewService(users repository.UserRepository, licenses repository.LicenseRepository, c counter.Counter, clk clock.Clock, loc *time.Location) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{users: users, licenses: licenses, counter: c, clock: clk, loc: loc}
}

// Result is a decision together with the principal state it was made on.
type Result struct {
	entitlements.Decision
	User models.Profile `json:"user"`
}

func parseAction(raw string) (entitlements.Action, error) {
	switch entitlements.Action(raw) {
	case "", entitlements.ActionSummarize:
		return entitlements.ActionSummarize, nil
	case entitlements.ActionImageAnalysis:
		return entitlements.ActionImageAnalysis, nil
	}
	return "", apperror.ErrInvalidRequest
}

func (s *Service) load(ctx context.Context, userID string) (*models.User, bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, apperror.ErrUserNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("load user: %w", err)
	}
	usable, err := accounts.LicenseUsable(ctx, s.licenses, user.LicenseKey, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	return user, usable, nil
}

// Authorize answers whether userID may run action now. It never mutates.
func (s *Service) Authorize(ctx context.Context, userID, action string) (*Result, error) {
	act, err := parseAction(action)
	if err != nil {
		return nil, err
	}
	user, usable, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := clock.Day(s.clock.Now(), s.loc)
	d := entitlements.Authorize(user.Principal(usable), act, today)
	return &Result{Decision: d, User: user.Profile(usable, today)}, nil
}

// Commit records one successful action. The reset, re-check and increment
// happen under the repository's per-user lock, so two commits racing for
// the last slot leave exactly one winner. A denied commit returns the
// decision wrapped in an *entitlements.DeniedError.
func (s *Service) Commit(ctx context.Context, userID, action string) (*Result, error) {
	act, err := parseAction(action)
	if err != nil {
		return nil, err
	}

	// License state is read outside the lock; a revocation racing with this
	// commit can let one last action through.
	_, usable, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := clock.Day(s.clock.Now(), s.loc)
	var decision entitlements.Decision
	user, err := s.users.Update(ctx, userID, func(u *models.User) error {
		next, d, err := entitlements.Commit(u.Principal(usable), act, today)
		decision = d
		if err != nil {
			return err
		}
		u.ApplyPrincipal(next)
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.counter != nil {
		if cerr := s.counter.Add(ctx, today, string(act)); cerr != nil {
			log.Warnf("[Usage] could not record daily counter: %v", cerr)
		}
	}

	return &Result{Decision: decision, User: user.Profile(usable, today)}, nil
}
