package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"rainyday/internal/logger"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Vault     SecretVault
	Metadata  MetadataStore
	Exchanger Exchanger
	// LegacyPath is the combined token file written by older releases.
	// Empty disables migration.
	LegacyPath string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns the active session. Mutating operations (initialize, token
// refresh, store, logout) are serialized by a single guard, which also makes
// refresh single-flight: concurrent GetAccessToken callers wait for the one
// refresh in progress and then observe its result.
type Manager struct {
	vault      SecretVault
	metadata   MetadataStore
	exchanger  Exchanger
	legacyPath string
	now        func() time.Time

	guard *semaphore.Weighted

	mu      sync.RWMutex
	session *Session
}

// NewManager creates a manager with no active session. Call Initialize to
// restore a saved one.
func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		vault:      cfg.Vault,
		metadata:   cfg.Metadata,
		exchanger:  cfg.Exchanger,
		legacyPath: cfg.LegacyPath,
		now:        now,
		guard:      semaphore.NewWeighted(1),
	}
}

// Initialize migrates a legacy token file if one exists and restores the
// saved session. A session that cannot be refreshed is discarded and the
// manager starts logged out; that case is not an error.
func (m *Manager) Initialize(ctx context.Context) error {
	const op = "initialize"

	if err := m.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.guard.Release(1)

	if m.legacyPath != "" {
		if err := m.migrateLegacy(ctx); err != nil {
			logger.Warn("Legacy token migration failed, will retry on next start", zap.Error(err))
		}
	}

	meta, err := m.metadata.Load()
	if err != nil {
		return asStorageError(op, err)
	}
	if meta == nil {
		logger.Debug("No saved session")
		return nil
	}
	if meta.Email == "" {
		logger.Warn("Discarding session metadata without an account email")
		m.deleteMetadata()
		return nil
	}

	refreshToken, ok, err := m.vault.Get(ctx, RefreshTokenKey(meta.Email))
	if err != nil {
		return asStorageError(op, err)
	}
	if !ok {
		logger.Info("No refresh token stored for saved session, discarding it", zap.String("email", meta.Email))
		m.deleteMetadata()
		return nil
	}

	session := &Session{
		RefreshToken: refreshToken,
		ExpiresAt:    time.Unix(meta.ExpiresAt, 0),
		User: UserInfo{
			Email:   meta.Email,
			Name:    meta.Name,
			Picture: meta.Picture,
		},
		Scopes: meta.ScopesGranted,
	}

	if m.expiresSoon(session.ExpiresAt) {
		grant, err := m.exchanger.ExchangeRefresh(ctx, refreshToken)
		if err != nil {
			logger.Warn("Saved session could not be refreshed, signing out",
				zap.String("email", meta.Email), zap.Error(err))
			m.clearStored(ctx, meta.Email)
			return nil
		}
		session = m.applyGrant(ctx, session, grant)
	}

	m.setSession(session)
	logger.Info("Session restored", zap.String("email", session.User.Email), zap.Time("expires_at", session.ExpiresAt))
	return nil
}

// GetAccessToken returns an access token valid for at least RefreshBuffer,
// refreshing it first when needed. Refresh failures are returned so the
// caller can ask the user to sign in again.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	s, err := m.freshSession(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

func (m *Manager) freshSession(ctx context.Context) (*Session, error) {
	if err := m.guard.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.guard.Release(1)

	current := m.snapshot()
	if current == nil {
		return nil, stateError("get_access_token", "not authenticated")
	}
	if !m.needsRefresh(current) {
		return current, nil
	}

	grant, err := m.exchanger.ExchangeRefresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, err
	}
	updated := m.applyGrant(ctx, current, grant)
	m.setSession(updated)

	// The grant is kept (a rotated refresh token stays valid) but a token
	// inside the buffer is never handed out; the next call refreshes again.
	if m.expiresSoon(updated.ExpiresAt) {
		return nil, protocolError("get_access_token",
			"refreshed access token expires at %s, within the %s refresh buffer",
			updated.ExpiresAt.UTC().Format(time.RFC3339), RefreshBuffer)
	}
	return updated, nil
}

// StoreSession persists s and makes it the active session. On failure the
// active session is left unchanged.
func (m *Manager) StoreSession(ctx context.Context, s *Session) error {
	const op = "store_session"

	if s == nil || s.User.Email == "" || s.RefreshToken == "" {
		return stateError(op, "session needs an account email and a refresh token")
	}

	if err := m.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.guard.Release(1)

	if err := m.vault.Store(ctx, RefreshTokenKey(s.User.Email), s.RefreshToken); err != nil {
		return asStorageError(op, err)
	}
	if err := m.metadata.Save(metadataFor(s)); err != nil {
		return asStorageError(op, err)
	}

	if prev := m.snapshot(); prev != nil && prev.User.Email != s.User.Email {
		if err := m.vault.Delete(ctx, RefreshTokenKey(prev.User.Email)); err != nil {
			logger.Warn("Failed to remove previous account's refresh token",
				zap.String("email", prev.User.Email), zap.Error(err))
		}
	}

	stored := *s
	stored.Scopes = append([]string(nil), s.Scopes...)
	m.setSession(&stored)
	logger.Info("Session stored", zap.String("email", s.User.Email), zap.Time("expires_at", s.ExpiresAt))
	return nil
}

// Logout removes the refresh token, the session metadata and any legacy
// token file not yet migrated, and clears the active session. Calling it
// while logged out succeeds.
func (m *Manager) Logout(ctx context.Context) error {
	const op = "logout"

	if err := m.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.guard.Release(1)

	var email string
	if s := m.snapshot(); s != nil {
		email = s.User.Email
	} else if meta, err := m.metadata.Load(); err == nil && meta != nil {
		email = meta.Email
	}

	var errs []error
	if email != "" {
		if err := m.vault.Delete(ctx, RefreshTokenKey(email)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.metadata.Delete(); err != nil {
		errs = append(errs, err)
	}
	if m.legacyPath != "" {
		if err := m.removeLegacy(op); err != nil {
			errs = append(errs, err)
		}
	}
	m.setSession(nil)

	if len(errs) > 0 {
		return StorageError(op, errors.Join(errs...))
	}
	if email != "" {
		logger.Info("Signed out", zap.String("email", email))
	}
	return nil
}

// Status reports the active session without refreshing it.
func (m *Manager) Status() AuthStatus {
	s := m.snapshot()
	if s == nil {
		return AuthStatus{}
	}
	user := s.User
	return AuthStatus{
		Authenticated: true,
		User:          &user,
		ExpiresAt:     s.ExpiresAt,
	}
}

// TokenSource adapts the manager to oauth2.TokenSource for API clients.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *managerTokenSource) Token() (*oauth2.Token, error) {
	s, err := ts.m.freshSession(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		Expiry:      s.ExpiresAt,
	}, nil
}

// needsRefresh reports whether s has no usable access token, or one that
// expires within RefreshBuffer.
func (m *Manager) needsRefresh(s *Session) bool {
	return s.AccessToken == "" || m.expiresSoon(s.ExpiresAt)
}

func (m *Manager) expiresSoon(t time.Time) bool {
	return !t.After(m.now().Add(RefreshBuffer))
}

// applyGrant returns a copy of s updated with a refresh result and persists
// what changed. Persistence failures are logged; the new token stays usable.
func (m *Manager) applyGrant(ctx context.Context, s *Session, grant *Grant) *Session {
	updated := *s
	updated.AccessToken = grant.AccessToken
	updated.ExpiresAt = grant.ExpiresAt
	if len(grant.Scopes) > 0 {
		updated.Scopes = append([]string(nil), grant.Scopes...)
	}

	if grant.RefreshToken != "" && grant.RefreshToken != s.RefreshToken {
		if err := m.vault.Store(ctx, RefreshTokenKey(s.User.Email), grant.RefreshToken); err != nil {
			logger.Error("Failed to store rotated refresh token", zap.String("email", s.User.Email), zap.Error(err))
		}
		updated.RefreshToken = grant.RefreshToken
	}

	if err := m.metadata.Save(metadataFor(&updated)); err != nil {
		logger.Warn("Failed to save session metadata after refresh", zap.Error(err))
	}
	return &updated
}

// clearStored removes the persisted session of email.
func (m *Manager) clearStored(ctx context.Context, email string) {
	if err := m.vault.Delete(ctx, RefreshTokenKey(email)); err != nil {
		logger.Warn("Failed to delete refresh token", zap.String("email", email), zap.Error(err))
	}
	m.deleteMetadata()
}

func (m *Manager) deleteMetadata() {
	if err := m.metadata.Delete(); err != nil {
		logger.Warn("Failed to delete session metadata", zap.Error(err))
	}
}

func (m *Manager) snapshot() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

func (m *Manager) setSession(s *Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}
