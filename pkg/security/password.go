package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const passwordIterations = 100000

// HashPassword derives a PBKDF2-SHA256 hash of the password. A fresh 16-byte
// salt is generated when salt is empty. Both return values are hex strings.
func HashPassword(password, salt string) (hash, usedSalt string, err error) {
	if salt == "" {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return "", "", fmt.Errorf("failed to generate salt: %w", err)
		}
		salt = hex.EncodeToString(raw)
	}

	derived := pbkdf2.Key([]byte(password), []byte(salt), passwordIterations, sha256.Size, sha256.New)
	return hex.EncodeToString(derived), salt, nil
}

// VerifyPassword checks a password against its stored hash and salt using a
// constant-time comparison.
func VerifyPassword(password, hash, salt string) bool {
	candidate, _, err := HashPassword(password, salt)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(candidate), []byte(hash))
}
