package vault

import (
	"context"
	"os"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rainyday/internal/config"
	"rainyday/pkg/auth"
)

// exerciseVault checks the SecretVault contract against v.
func exerciseVault(t *testing.T, v auth.SecretVault) {
	t.Helper()
	ctx := context.Background()
	key := auth.RefreshTokenKey("a@b.com")

	_, ok, err := v.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "absent key is not an error")

	require.NoError(t, v.Store(ctx, key, "rt-1"))
	got, ok, err := v.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "rt-1", got)

	require.NoError(t, v.Store(ctx, key, "rt-2"), "overwrite is not an error")
	got, _, err = v.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", got)

	require.NoError(t, v.Delete(ctx, key))
	_, ok, err = v.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.Delete(ctx, key), "delete is idempotent")
}

func TestMemory(t *testing.T) {
	exerciseVault(t, NewMemory())
}

func TestKeyringVault(t *testing.T) {
	exerciseVault(t, NewKeyringVault(keyring.NewArrayKeyring(nil)))
}

func TestKeyringVault_FileBackend(t *testing.T) {
	v, err := OpenKeyring(KeyringOptions{
		Backends:     []string{string(keyring.FileBackend)},
		FileDir:      t.TempDir(),
		FilePassword: "test-password",
	})
	require.NoError(t, err)
	exerciseVault(t, v)
}

func TestFirestoreVault(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	v, err := OpenFirestore(ctx, "rainyday-test", "vault_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	exerciseVault(t, v)
}

func TestBackendTokens(t *testing.T) {
	ctx := context.Background()
	v := NewMemory()

	tokens, err := auth.LoadBackendTokens(ctx, v)
	require.NoError(t, err)
	assert.Nil(t, tokens)

	require.NoError(t, auth.StoreBackendTokens(ctx, v, auth.BackendTokens{AccessToken: "ba", RefreshToken: "br"}))
	tokens, err = auth.LoadBackendTokens(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, &auth.BackendTokens{AccessToken: "ba", RefreshToken: "br"}, tokens)

	require.NoError(t, auth.ClearBackendTokens(ctx, v))
	require.NoError(t, auth.ClearBackendTokens(ctx, v))
	assert.Equal(t, 0, v.Len())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	v, closeFn, err := Open(ctx, &config.VaultConfig{Backend: config.VaultMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, v)
	assert.NoError(t, closeFn())

	_, closeFn, err = Open(ctx, &config.VaultConfig{Backend: "floppy"})
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrConfiguration)
	assert.NoError(t, closeFn())
}
