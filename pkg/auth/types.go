package auth

import (
	"context"
	"time"
)

// UserInfo identifies the authenticated Google account.
// Name and Picture are empty when the provider did not return them.
type UserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Session is the active, in-memory credential set.
// AccessToken is never written to non-volatile storage.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         UserInfo
	Scopes       []string
}

// SessionMetadata is the non-secret part of a session, persisted as plain JSON.
type SessionMetadata struct {
	Email         string   `json:"email"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	ExpiresAt     int64    `json:"expires_at"` // unix seconds
	ScopesGranted []string `json:"scopes_granted"`
}

// AuthStatus reports whether a session is active.
type AuthStatus struct {
	Authenticated bool      `json:"is_authenticated"`
	User          *UserInfo `json:"user,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Grant is the result of a token-endpoint exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not issue one
	ExpiresAt    time.Time
	Scopes       []string
}

// SecretVault stores secrets in a platform-protected store.
// Get reports absence with ok == false rather than an error; Delete of an
// absent key succeeds.
type SecretVault interface {
	Store(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// MetadataStore persists the single SessionMetadata record.
// Load returns nil, nil when no usable record exists.
type MetadataStore interface {
	Load() (*SessionMetadata, error)
	Save(meta *SessionMetadata) error
	Delete() error
}

// Exchanger talks to the provider's token and profile endpoints.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Grant, error)
	ExchangeRefresh(ctx context.Context, refreshToken string) (*Grant, error)
	FetchProfile(ctx context.Context, accessToken string) (*UserInfo, error)
}

// metadataFor builds the persisted form of s.
func metadataFor(s *Session) *SessionMetadata {
	return &SessionMetadata{
		Email:         s.User.Email,
		Name:          s.User.Name,
		Picture:       s.User.Picture,
		ExpiresAt:     s.ExpiresAt.Unix(),
		ScopesGranted: append([]string(nil), s.Scopes...),
	}
}

// MaskToken returns a truncated preview of a secret for display.
func MaskToken(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}
