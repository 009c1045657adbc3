package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PageBrief/internal/pkg/cache/cachetest"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
)

var epoch = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

func TestIssueValidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	store := NewMemoryStore()
	auth := NewAuthority(NamespaceUser, time.Hour, store, clk)

	tok, expires, err := auth.Issue(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	assert.Equal(t, epoch.Add(time.Hour), expires)

	id, ok, err := auth.Validate(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "p1", id)

	clk.Advance(time.Hour)
	_, ok, err = auth.Validate(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entry is purged on lookup")
}

func TestIssueNeverReusesValue(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthority(NamespaceUser, time.Hour, NewMemoryStore(), nil)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, _, err := auth.Issue(ctx, "p1")
		require.NoError(t, err)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestNamespacesAreSeparate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	users := NewAuthority(NamespaceUser, UserTTL, store, nil)
	admins := NewAuthority(NamespaceAdmin, AdminTTL, store, nil)

	adminTok, _, err := admins.Issue(ctx, "1")
	require.NoError(t, err)

	_, ok, err := users.Validate(ctx, adminTok)
	require.NoError(t, err)
	assert.False(t, ok)

	id, ok, err := admins.Validate(ctx, adminTok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", id)
}

func TestRevokeAllAndSweep(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	store := NewMemoryStore()
	auth := NewAuthority(NamespaceUser, time.Hour, store, clk)

	a, _, _ := auth.Issue(ctx, "p1")
	b, _, _ := auth.Issue(ctx, "p1")
	c, _, _ := auth.Issue(ctx, "p2")

	n, err := auth.RevokeAll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, tok := range []string{a, b} {
		_, ok, _ := auth.Validate(ctx, tok)
		assert.False(t, ok)
	}
	_, ok, _ := auth.Validate(ctx, c)
	assert.True(t, ok)

	clk.Advance(2 * time.Hour)
	n, err = auth.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
}

func TestValidateEmptyToken(t *testing.T) {
	auth := NewAuthority(NamespaceUser, time.Hour, NewMemoryStore(), nil)
	_, ok, err := auth.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	rdb := cachetest.NewIsolatedClient(t, 12)
	store := NewRedisStore(rdb)
	users := NewAuthority(NamespaceUser, time.Hour, store, nil)
	admins := NewAuthority(NamespaceAdmin, time.Hour, store, nil)

	tok, _, err := users.Issue(ctx, "p1")
	require.NoError(t, err)

	id, ok, err := users.Validate(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "p1", id)

	_, ok, err = admins.Validate(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := users.RevokeAll(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err = users.Validate(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTLFollowsAuthorityClock(t *testing.T) {
	ctx := context.Background()
	rdb := cachetest.NewIsolatedClient(t, 12)
	// epoch is far behind the wall clock.
	auth := NewAuthority(NamespaceUser, time.Hour, NewRedisStore(rdb), clock.NewFake(epoch))

	tok, _, err := auth.Issue(ctx, "p1")
	require.NoError(t, err)

	ttl, err := rdb.TTL(ctx, tokenKey(NamespaceUser, tok)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	_, ok, err := auth.Validate(ctx, tok)
	require.NoError(t, err)
	assert.True(t, ok)
}
