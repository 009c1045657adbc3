package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/internal/pkg/cache/cachetest"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()

	_, err := s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, " A@Example.com", func(cur *Code) (Code, Op, error) {
		assert.Nil(t, cur)
		return Code{Code: "123456", ExpiresAt: now.Add(TTL), SentAt: now}, Save, nil
	})
	require.NoError(t, err)

	c, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "123456", c.Code)

	wrong := errors.New("wrong")
	err = s.Update(ctx, "a@example.com", func(cur *Code) (Code, Op, error) {
		require.NotNil(t, cur)
		next := *cur
		next.Attempts++
		return next, Save, wrong
	})
	assert.ErrorIs(t, err, wrong)

	c, err = s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts, "attempt is persisted alongside the error")

	require.NoError(t, s.Update(ctx, "a@example.com", func(cur *Code) (Code, Op, error) {
		return Code{}, Remove, nil
	}))
	_, err = s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, NewRedisStore(cachetest.NewIsolatedClient(t, 13)))
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	for email, exp := range map[string]time.Time{
		"old@example.com": now.Add(-time.Minute),
		"new@example.com": now.Add(time.Minute),
	} {
		exp := exp
		require.NoError(t, s.Update(ctx, email, func(*Code) (Code, Op, error) {
			return Code{Code: "000000", ExpiresAt: exp}, Save, nil
		}))
	}

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "new@example.com")
	assert.NoError(t, err)
}

func TestMemoryStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, "a@example.com", func(*Code) (Code, Op, error) {
		return Code{Code: "111111", ExpiresAt: time.Now().Add(TTL)}, Save, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "a@example.com", func(cur *Code) (Code, Op, error) {
				next := *cur
				next.Attempts++
				return next, Save, nil
			})
		}()
	}
	wg.Wait()

	c, err := s.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 20, c.Attempts)
}

func TestRedisStore_TTLIndependentOfWallClock(t *testing.T) {
	ctx := context.Background()
	rdb := cachetest.NewIsolatedClient(t, 13)
	s := NewRedisStore(rdb)
	sent := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.Update(ctx, "a@example.com", func(*Code) (Code, Op, error) {
		return Code{Code: "123456", ExpiresAt: sent.Add(TTL), SentAt: sent}, Save, nil
	}))

	ttl, err := rdb.TTL(ctx, codeKey("a@example.com")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, TTL-time.Minute)
	assert.LessOrEqual(t, ttl, TTL)
}
