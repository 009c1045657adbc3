package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordFormat(t *testing.T) {
	h, err := HashPassword("secret1")
	require.NoError(t, err)

	salt, hash, ok := strings.Cut(h, ":")
	require.True(t, ok)
	assert.Len(t, salt, 32)
	assert.Len(t, hash, 128)
	assert.False(t, IsLegacyPasswordHash(h))

	assert.True(t, CheckPasswordHash("secret1", h))
	assert.False(t, CheckPasswordHash("secret2", h))
}

func TestHashPasswordUsesFreshSalt(t *testing.T) {
	a, err := HashPassword("same-password")
	require.NoError(t, err)
	b, err := HashPassword("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLegacyHashIsReadable(t *testing.T) {
	sum := sha256.Sum256([]byte("oldpass" + "salt"))
	legacy := hex.EncodeToString(sum[:])

	assert.True(t, IsLegacyPasswordHash(legacy))
	assert.True(t, CheckPasswordHash("oldpass", legacy))
	assert.False(t, CheckPasswordHash("newpass", legacy))
}

func TestEmptyHashNeverMatches(t *testing.T) {
	assert.False(t, CheckPasswordHash("", ""))
}
