// Package verification stores pending email verification codes.
package verification

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	TTL          = 10 * time.Minute
	ResendWindow = 60 * time.Second
	MaxAttempts  = 3
	CodeLength   = 6
)

// ErrNotFound is returned when no code is pending for the address.
var ErrNotFound = errors.New("verification code not found")

type Code struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
	SentAt    time.Time `json:"sent_at"`
}

// Expired reports whether the code can no longer be used at now.
func (c Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Op is returned by an Update callback to say what to do with the record.
type Op int

const (
	Keep Op = iota
	Save
	Remove
)

// Store keeps one Code per normalized email. Update runs fn atomically with
// respect to other Updates of the same email; cur is nil when nothing is
// stored.
type Store interface {
	Get(ctx context.Context, email string) (Code, error)
	Update(ctx context.Context, email string, fn func(cur *Code) (Code, Op, error)) error
	Delete(ctx context.Context, email string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
