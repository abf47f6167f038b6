package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"go.uber.org/zap"

	"rainyday/internal/logger"
)

// legacyTokens is the combined secret and metadata file written by older
// releases.
type legacyTokens struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken *string  `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	UserInfo     UserInfo `json:"user_info"`
}

// migrateLegacy moves a legacy file's refresh token into the vault and its
// metadata into the metadata store, then deletes it. If either write fails
// the legacy file is kept so the next start retries.
func (m *Manager) migrateLegacy(ctx context.Context) error {
	const op = "migrate_legacy"

	data, err := os.ReadFile(m.legacyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return StorageError(op, err)
	}

	var legacy legacyTokens
	if err := json.Unmarshal(data, &legacy); err != nil {
		logger.Warn("Removing malformed legacy token file", zap.String("path", m.legacyPath), zap.Error(err))
		return m.removeLegacy(op)
	}
	if legacy.RefreshToken == nil || *legacy.RefreshToken == "" || legacy.UserInfo.Email == "" {
		logger.Info("Removing legacy token file with nothing to migrate", zap.String("path", m.legacyPath))
		return m.removeLegacy(op)
	}

	email := legacy.UserInfo.Email
	if err := m.vault.Store(ctx, RefreshTokenKey(email), *legacy.RefreshToken); err != nil {
		return asStorageError(op, err)
	}

	meta := &SessionMetadata{
		Email:         email,
		Name:          legacy.UserInfo.Name,
		Picture:       legacy.UserInfo.Picture,
		ExpiresAt:     legacy.ExpiresAt,
		ScopesGranted: append([]string(nil), Scopes...),
	}
	if err := m.metadata.Save(meta); err != nil {
		return asStorageError(op, err)
	}

	if err := m.removeLegacy(op); err != nil {
		return err
	}
	logger.Info("Migrated legacy token file", zap.String("email", email))
	return nil
}

func (m *Manager) removeLegacy(op string) error {
	if err := os.Remove(m.legacyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return StorageError(op, err)
	}
	return nil
}
