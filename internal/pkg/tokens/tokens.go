// Package tokens issues and validates opaque bearer tokens. Each Authority
// owns one namespace, so a value issued for admins is never found when a
// user token is looked up.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
)

type Namespace string

const (
	NamespaceUser  Namespace = "user"
	NamespaceAdmin Namespace = "admin"
)

const (
	UserTTL  = 24 * time.Hour
	AdminTTL = 12 * time.Hour

	tokenBytes = 32
)

// ErrNotFound is returned by a Store when the value is unknown.
var ErrNotFound = errors.New("token not found")

type Entry struct {
	PrincipalID string    `json:"principal_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists entries per namespace. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores e; ttl is the lifetime left at issue time and lets stores
	// with native expiry evict the entry without consulting a clock.
	Put(ctx context.Context, ns Namespace, value string, e Entry, ttl time.Duration) error
	Get(ctx context.Context, ns Namespace, value string) (Entry, error)
	Delete(ctx context.Context, ns Namespace, value string) error
	DeleteOwner(ctx context.Context, ns Namespace, principalID string) (int, error)
	DeleteExpired(ctx context.Context, ns Namespace, now time.Time) (int, error)
}

type Authority struct {
	ns    Namespace
	ttl   time.Duration
	store Store
	clock clock.Clock
}

func NewAuthority(ns Namespace, ttl time.Duration, store Store, clk clock.Clock) *Authority {
	if clk == nil {
		clk = clock.Real()
	}
	return &Authority{ns: ns, ttl: ttl, store: store, clock: clk}
}

func (a *Authority) Namespace() Namespace { return a.ns }

func (a *Authority) TTL() time.Duration { return a.ttl }

// Issue stores a fresh random token for principalID.
func (a *Authority) Issue(ctx context.Context, principalID string) (string, time.Time, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	value := hex.EncodeToString(buf)
	expires := a.clock.Now().Add(a.ttl)

	if err := a.store.Put(ctx, a.ns, value, Entry{PrincipalID: principalID, ExpiresAt: expires}, a.ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("store token: %w", err)
	}
	return value, expires, nil
}

// Validate returns the owner of value. ok is false when the token is unknown
// or expired; an expired entry is deleted on the way out.
func (a *Authority) Validate(ctx context.Context, value string) (string, bool, error) {
	if value == "" {
		return "", false, nil
	}
	e, err := a.store.Get(ctx, a.ns, value)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !a.clock.Now().Before(e.ExpiresAt) {
		if err := a.store.Delete(ctx, a.ns, value); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return e.PrincipalID, true, nil
}

// Revoke deletes a single token. Unknown values are not an error.
func (a *Authority) Revoke(ctx context.Context, value string) error {
	return a.store.Delete(ctx, a.ns, value)
}

func (a *Authority) RevokeAll(ctx context.Context, principalID string) (int, error) {
	return a.store.DeleteOwner(ctx, a.ns, principalID)
}

// Sweep removes expired entries and returns how many were removed.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	return a.store.DeleteExpired(ctx, a.ns, a.clock.Now())
}
