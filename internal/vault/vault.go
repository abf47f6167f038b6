// Package vault provides the secret stores behind auth.SecretVault: the
// platform keyring, a Firestore collection for headless hosts, and an
// in-memory store.
package vault

import (
	"context"
	"fmt"

	"rainyday/internal/config"
	"rainyday/pkg/auth"
)

// Open returns the vault selected by cfg. The returned close function
// releases backend resources and is never nil.
func Open(ctx context.Context, cfg *config.VaultConfig) (auth.SecretVault, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.VaultKeyring, "":
		v, err := OpenKeyring(KeyringOptions{
			Backends:     cfg.KeyringBackends,
			FileDir:      cfg.FileDir,
			FilePassword: cfg.FilePassword,
		})
		if err != nil {
			return nil, noop, err
		}
		return v, noop, nil
	case config.VaultFirestore:
		v, err := OpenFirestore(ctx, cfg.FirestoreProject, cfg.FirestoreCollection)
		if err != nil {
			return nil, noop, err
		}
		return v, v.Close, nil
	case config.VaultMemory:
		return NewMemory(), noop, nil
	default:
		return nil, noop, auth.NewError(auth.KindConfiguration, "open_vault", fmt.Sprintf("unknown vault backend %q", cfg.Backend), nil)
	}
}
