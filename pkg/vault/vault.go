// Package vault seals and opens secret strings with AES-256-GCM. The
// encryption key is derived from a master passphrase with PBKDF2-SHA256.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/types"
)

const (
	kdfIterations = 100000
	keyLength     = 32
)

// Static salt keeps derived keys stable across restarts. High-security
// deployments should move to per-secret salts.
var kdfSalt = []byte("skein_salt_static")

// Vault encrypts and decrypts secret strings
type Vault struct {
	gcm cipher.AEAD
}

// New derives the encryption key from the master passphrase and prepares the
// AEAD. An empty passphrase is rejected.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	key := pbkdf2.Key([]byte(masterKey), kdfSalt, kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Vault{gcm: gcm}, nil
}

// Encrypt seals a secret string. Returns a base64 blob with the nonce
// prepended. An empty input yields an empty output.
func (v *Vault) Encrypt(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.gcm.Seal(nonce, nonce, []byte(secret), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Fails when the blob was produced
// under a different master key or has been tampered with.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	sealed, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("invalid secret encoding: %w", err)
	}

	nonceSize := v.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("invalid secret or master key mismatch: %w", err)
	}
	return string(plaintext), nil
}

// StoreSecret seals a secret and persists it under the given name
func (v *Vault) StoreSecret(store storage.Store, name, secret string) error {
	if name == "" {
		return fmt.Errorf("secret name cannot be empty")
	}
	ciphertext, err := v.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}

	now := time.Now().UTC()
	record := &types.SecretRecord{
		Name:       name,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := store.GetSecret(name); err == nil {
		record.CreatedAt = existing.CreatedAt
	}
	return store.SaveSecret(record)
}

// LoadSecret fetches and opens a persisted secret
func (v *Vault) LoadSecret(store storage.Store, name string) (string, error) {
	record, err := store.GetSecret(name)
	if err != nil {
		return "", err
	}
	return v.Decrypt(record.Ciphertext)
}
