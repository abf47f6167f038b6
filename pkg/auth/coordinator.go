package auth

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"rainyday/internal/logger"
)

// PortRange is an inclusive range of loopback ports probed for the redirect.
type PortRange struct {
	First int
	Last  int
}

// DefaultPortRange is the candidate range for the loopback redirect.
var DefaultPortRange = PortRange{First: 8400, Last: 8499}

// SessionStorer receives the session produced by a completed authorization.
type SessionStorer interface {
	StoreSession(ctx context.Context, s *Session) error
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	OAuth           *oauth2.Config
	Exchanger       Exchanger
	Sessions        SessionStorer
	Ports           PortRange     // zero value means DefaultPortRange
	CallbackTimeout time.Duration // zero value means DefaultCallbackTimeout
}

type pendingAuthorization struct {
	id        string
	verifier  string
	csrfToken string
	port      int
	waiting   bool
}

// Coordinator drives the authorization leg of the flow. It tracks at most one
// pending authorization; starting a new one discards the previous one.
type Coordinator struct {
	oauth           *oauth2.Config
	exchanger       Exchanger
	sessions        SessionStorer
	ports           PortRange
	callbackTimeout time.Duration

	mu      sync.Mutex
	pending *pendingAuthorization
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		oauth:           cfg.OAuth,
		exchanger:       cfg.Exchanger,
		sessions:        cfg.Sessions,
		ports:           cfg.Ports,
		callbackTimeout: cfg.CallbackTimeout,
	}
	if c.ports.First == 0 && c.ports.Last == 0 {
		c.ports = DefaultPortRange
	}
	if c.callbackTimeout <= 0 {
		c.callbackTimeout = DefaultCallbackTimeout
	}
	return c
}

// StartAuthorization prepares a new attempt and returns the URL the user must
// open in a browser.
func (c *Coordinator) StartAuthorization(ctx context.Context) (string, error) {
	const op = "start_authorization"

	port, err := c.findPort()
	if err != nil {
		return "", err
	}

	csrfToken, err := generateSecureToken(csrfTokenBytes)
	if err != nil {
		return "", NewError(KindConfiguration, op, "failed to generate state", err)
	}
	verifier := newVerifier()

	cfg := *c.oauth
	cfg.RedirectURL = redirectURI(port)
	authURL := cfg.AuthCodeURL(csrfToken,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	p := &pendingAuthorization{
		id:        uuid.NewString(),
		verifier:  verifier,
		csrfToken: csrfToken,
		port:      port,
	}

	c.mu.Lock()
	if c.pending != nil {
		logger.Info("Discarding previous pending authorization", zap.String("attempt", c.pending.id))
	}
	c.pending = p
	c.mu.Unlock()

	logger.Info("Authorization started", zap.String("attempt", p.id), zap.Int("port", port))
	return authURL, nil
}

// CompleteAuthorization waits for the redirect of the pending attempt,
// validates it, exchanges the code and stores the resulting session.
// The pending attempt is consumed whatever the outcome.
func (c *Coordinator) CompleteAuthorization(ctx context.Context) (*AuthStatus, error) {
	const op = "complete_authorization"

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, stateError(op, "no pending authorization, start one first")
	}
	if c.pending.waiting {
		c.mu.Unlock()
		return nil, stateError(op, "authorization is already being completed")
	}
	c.pending.waiting = true
	p := *c.pending
	c.mu.Unlock()

	log := logger.With(zap.String("attempt", p.id))

	server, err := ListenCallback(p.port)
	if err != nil {
		c.consume(p.id)
		return nil, err
	}
	log.Info("Waiting for authorization callback", zap.Int("port", p.port))

	waitCtx, cancel := context.WithTimeout(ctx, c.callbackTimeout)
	result, err := server.Wait(waitCtx)
	cancel()

	// The verifier is single-use from here on.
	current := c.consume(p.id)
	if err != nil {
		log.Warn("Authorization callback failed", zap.Error(err))
		return nil, err
	}
	if !current {
		return nil, stateError(op, "authorization attempt was superseded by a newer one")
	}

	if !statesMatch(p.csrfToken, result.State) {
		log.Warn("Authorization callback state mismatch")
		return nil, NewError(KindSecurity, op, "CSRF token mismatch, possible attack", nil)
	}

	grant, err := c.exchanger.ExchangeCode(ctx, result.Code, p.verifier, redirectURI(p.port))
	if err != nil {
		return nil, err
	}
	if grant.RefreshToken == "" {
		return nil, protocolError(op, "token response has no refresh token")
	}

	user, err := c.exchanger.FetchProfile(ctx, grant.AccessToken)
	if err != nil {
		return nil, err
	}

	session := &Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		User:         *user,
		Scopes:       grant.Scopes,
	}
	if err := c.sessions.StoreSession(ctx, session); err != nil {
		return nil, err
	}

	log.Info("Authorization completed", zap.String("email", user.Email))
	return &AuthStatus{
		Authenticated: true,
		User:          user,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// Pending reports whether an authorization attempt is outstanding.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// consume clears the pending slot if it still holds attempt id and reports
// whether it did.
func (c *Coordinator) consume(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.id != id {
		return false
	}
	c.pending = nil
	return true
}

// findPort returns the first port of the range that can be bound on the
// loopback interface.
func (c *Coordinator) findPort() (int, error) {
	for port := c.ports.First; port <= c.ports.Last; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, configurationError("start_authorization",
		"no available port in range %d-%d", c.ports.First, c.ports.Last)
}

func redirectURI(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}
