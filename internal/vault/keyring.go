package vault

import (
	"context"
	"errors"
	"os"

	"github.com/99designs/keyring"

	"rainyday/pkg/auth"
)

// defaultBackends is the platform preference order.
var defaultBackends = []keyring.BackendType{
	keyring.KeychainBackend,
	keyring.SecretServiceBackend,
	keyring.WinCredBackend,
	keyring.PassBackend,
	keyring.FileBackend,
}

// KeyringOptions selects and configures keyring backends.
type KeyringOptions struct {
	// Backends restricts the allowed backends by name ("keychain",
	// "secret-service", "wincred", "pass", "file"). Empty allows all.
	Backends []string
	// FileDir and FilePassword configure the encrypted file fallback.
	FileDir      string
	FilePassword string
}

// KeyringVault stores secrets in the operating system keyring under the
// application's service name.
type KeyringVault struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring.
func OpenKeyring(opts KeyringOptions) (*KeyringVault, error) {
	backends := defaultBackends
	if len(opts.Backends) > 0 {
		backends = make([]keyring.BackendType, 0, len(opts.Backends))
		for _, b := range opts.Backends {
			backends = append(backends, keyring.BackendType(b))
		}
	}

	password := opts.FilePassword
	if password == "" {
		password = auth.ServiceName + "-file-key"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              auth.ServiceName,
		AllowedBackends:          backends,
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, auth.NewError(auth.KindStorage, "open_keyring", "opening keyring", err)
	}
	return &KeyringVault{ring: ring}, nil
}

// NewKeyringVault wraps an already opened keyring.
func NewKeyringVault(ring keyring.Keyring) *KeyringVault {
	return &KeyringVault{ring: ring}
}

// Store upserts key.
func (v *KeyringVault) Store(_ context.Context, key, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: auth.ServiceName + " " + key,
	})
	if err != nil {
		return auth.NewError(auth.KindStorage, "vault_store", "storing "+key, err)
	}
	return nil
}

// Get returns the value of key, or ok == false when it is absent.
func (v *KeyringVault) Get(_ context.Context, key string) (string, bool, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, auth.NewError(auth.KindStorage, "vault_get", "reading "+key, err)
	}
	return string(item.Data), true, nil
}

// Delete removes key. Removing an absent key succeeds.
func (v *KeyringVault) Delete(_ context.Context, key string) error {
	err := v.ring.Remove(key)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return auth.NewError(auth.KindStorage, "vault_delete", "deleting "+key, err)
}
