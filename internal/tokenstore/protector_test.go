package tokenstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESProtector_RoundTrip(t *testing.T) {
	protector, err := NewAESProtector(filepath.Join(t.TempDir(), "token.key"))
	require.NoError(t, err)

	for _, value := range []string{"", "short", "a much longer secret token value"} {
		sealed, err := protector.Protect(value)
		require.NoError(t, err)
		assert.NotEqual(t, value, sealed)

		plain, err := protector.Unprotect(sealed)
		require.NoError(t, err)
		assert.Equal(t, value, plain)
	}
}

func TestAESProtector_BootstrapsKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "token.key")

	_, err := NewAESProtector(keyPath)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, int64(keyBytes), info.Size())
	assert.Equal(t, os.FileMode(keyFilePerms), info.Mode().Perm())
}

func TestAESProtector_ReusesExistingKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "token.key")

	first, err := NewAESProtector(keyPath)
	require.NoError(t, err)

	sealed, err := first.Protect("secret")
	require.NoError(t, err)

	// A second protector over the same key file must decrypt values sealed
	// by the first.
	second, err := NewAESProtector(keyPath)
	require.NoError(t, err)

	plain, err := second.Unprotect(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestAESProtector_RejectsTruncatedKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "token.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("too short"), keyFilePerms))

	_, err := NewAESProtector(keyPath)
	assert.Error(t, err)
}

func TestAESProtector_UnprotectRejectsGarbage(t *testing.T) {
	protector, err := NewAESProtector(filepath.Join(t.TempDir(), "token.key"))
	require.NoError(t, err)

	_, err = protector.Unprotect("not base64!!!")
	assert.Error(t, err)

	_, err = protector.Unprotect("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}
