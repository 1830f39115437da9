package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/pkg/storage"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-master-key")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
	}{
		{"api key", "sk-abc123def456"},
		{"unicode", "пароль-ключ-秘密"},
		{"long", string(make([]byte, 4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := v.Encrypt(tt.secret)
			require.NoError(t, err)
			assert.NotEqual(t, tt.secret, sealed)

			opened, err := v.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.secret, opened)
		})
	}
}

func TestEmptySecretPassesThrough(t *testing.T) {
	v, err := New("k")
	require.NoError(t, err)

	sealed, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := v.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestNoncesDiffer(t *testing.T) {
	v, err := New("k")
	require.NoError(t, err)

	a, err := v.Encrypt("same secret")
	require.NoError(t, err)
	b, err := v.Encrypt("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWrongMasterKeyFails(t *testing.T) {
	v1, err := New("key-one")
	require.NoError(t, err)
	v2, err := New("key-two")
	require.NoError(t, err)

	sealed, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestTamperedCiphertextFails(t *testing.T) {
	v, err := New("k")
	require.NoError(t, err)

	_, err = v.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = v.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestStoreAndLoadSecret(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	v, err := New("master")
	require.NoError(t, err)

	require.NoError(t, v.StoreSecret(store, "openai-key", "sk-test"))

	got, err := v.LoadSecret(store, "openai-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	// Overwrite keeps the name unique
	require.NoError(t, v.StoreSecret(store, "openai-key", "sk-rotated"))
	got, err = v.LoadSecret(store, "openai-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-rotated", got)
}
