package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordIterations = 10000
	passwordKeyLen     = 64
	passwordSaltLen    = 16

	// legacyPasswordSalt is the fixed suffix of the old unsalted format.
	legacyPasswordSalt = "salt"
)

// HashPassword derives "salt:hash" with PBKDF2-SHA512 and a random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	saltHex := hex.EncodeToString(salt)
	return saltHex + ":" + derivePassword(password, saltHex), nil
}

func derivePassword(password, saltHex string) string {
	key := pbkdf2.Key([]byte(password), []byte(saltHex), passwordIterations, passwordKeyLen, sha512.New)
	return hex.EncodeToString(key)
}

// CheckPasswordHash compares the given password with the stored hash. Hashes
// without a salt separator are read in the legacy sha256 format.
func CheckPasswordHash(password, stored string) bool {
	if stored == "" {
		return false
	}
	salt, hash, ok := strings.Cut(stored, ":")
	if !ok {
		sum := sha256.Sum256([]byte(password + legacyPasswordSalt))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(stored)) == 1
	}
	return subtle.ConstantTimeCompare([]byte(derivePassword(password, salt)), []byte(hash)) == 1
}

// IsLegacyPasswordHash reports whether stored predates salted hashes.
func IsLegacyPasswordHash(stored string) bool {
	return stored != "" && !strings.Contains(stored, ":")
}
