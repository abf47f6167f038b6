package auth

import (
	"context"
	"errors"
)

// ServiceName namespaces every vault entry of the application.
const ServiceName = "com.enosislabs.rainyday"

// Vault keys.
const (
	refreshTokenSuffix     = ":refresh_token"
	BackendAccessTokenKey  = "backend_access_token"
	BackendRefreshTokenKey = "backend_refresh_token"
)

// RefreshTokenKey returns the vault key of an account's refresh token.
func RefreshTokenKey(email string) string {
	return email + refreshTokenSuffix
}

// BackendTokens is the token pair issued by the application's own backend.
// It is stored beside the Google credentials but not scoped to an account.
type BackendTokens struct {
	AccessToken  string
	RefreshToken string
}

// StoreBackendTokens saves both backend tokens.
func StoreBackendTokens(ctx context.Context, vault SecretVault, tokens BackendTokens) error {
	if tokens.AccessToken == "" {
		return stateError("store_backend_tokens", "backend access token is empty")
	}
	if err := vault.Store(ctx, BackendAccessTokenKey, tokens.AccessToken); err != nil {
		return asStorageError("store_backend_tokens", err)
	}
	if tokens.RefreshToken == "" {
		return nil
	}
	if err := vault.Store(ctx, BackendRefreshTokenKey, tokens.RefreshToken); err != nil {
		return asStorageError("store_backend_tokens", err)
	}
	return nil
}

// LoadBackendTokens returns the stored backend tokens, or nil when no access
// token is stored.
func LoadBackendTokens(ctx context.Context, vault SecretVault) (*BackendTokens, error) {
	access, ok, err := vault.Get(ctx, BackendAccessTokenKey)
	if err != nil {
		return nil, asStorageError("load_backend_tokens", err)
	}
	if !ok {
		return nil, nil
	}
	refresh, _, err := vault.Get(ctx, BackendRefreshTokenKey)
	if err != nil {
		return nil, asStorageError("load_backend_tokens", err)
	}
	return &BackendTokens{AccessToken: access, RefreshToken: refresh}, nil
}

// ClearBackendTokens removes both backend tokens. Both deletions are
// attempted even if the first fails.
func ClearBackendTokens(ctx context.Context, vault SecretVault) error {
	var errs []error
	if err := vault.Delete(ctx, BackendAccessTokenKey); err != nil {
		errs = append(errs, err)
	}
	if err := vault.Delete(ctx, BackendRefreshTokenKey); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return StorageError("clear_backend_tokens", errors.Join(errs...))
	}
	return nil
}

// asStorageError keeps errors already classified by a backend and wraps
// the others as storage errors.
func asStorageError(op string, err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return StorageError(op, err)
}
