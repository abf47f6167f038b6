// Package mcp provides the MCP (Model Context Protocol) server that lets AI
// assistants inspect and drive the rainyday Google sign-in.
package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"rainyday/internal/logger"
	"rainyday/internal/workspace"
	"rainyday/pkg/auth"
)

// Config holds the MCP server configuration.
type Config struct {
	Host    string
	Port    int
	APIKey  string // Static API key for authentication (optional)
	Version string
}

// Sessions is the part of auth.Manager the tools use.
type Sessions interface {
	Status() auth.AuthStatus
	Logout(ctx context.Context) error
	TokenSource(ctx context.Context) oauth2.TokenSource
}

// Authorizer is the part of auth.Coordinator the tools use.
type Authorizer interface {
	StartAuthorization(ctx context.Context) (string, error)
	CompleteAuthorization(ctx context.Context) (*auth.AuthStatus, error)
	Pending() bool
}

// Server wraps the MCP server and HTTP server.
type Server struct {
	config     *Config
	mcpServer  *mcp.Server
	httpServer *http.Server

	sessions    Sessions
	authorizer  Authorizer
	openBrowser func(string) error
	// newWorkspace builds the API clients for workspace_check.
	newWorkspace func(ctx context.Context, ts oauth2.TokenSource) (*workspace.Service, error)

	// loginCtx outlives individual tool calls; background completions run on it.
	loginCtx context.Context
	logins   sync.WaitGroup
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg *Config, sessions Sessions, authorizer Authorizer) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "rainyday",
		Version: version,
	}, nil)

	return &Server{
		config:      cfg,
		mcpServer:   mcpServer,
		sessions:    sessions,
		authorizer:  authorizer,
		openBrowser: auth.OpenBrowser,
		newWorkspace: func(ctx context.Context, ts oauth2.TokenSource) (*workspace.Service, error) {
			return workspace.NewService(ctx, ts)
		},
		loginCtx: context.Background(),
	}
}

// extractBearerToken extracts the API key from the Authorization header.
// Expected format: "Bearer <api_key>"
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	return strings.TrimPrefix(authHeader, bearerPrefix)
}

// validAPIKey reports whether apiKey grants access. Without a configured
// key every request is allowed.
func (s *Server) validAPIKey(apiKey string) bool {
	if s.config.APIKey == "" {
		return true
	}
	if apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.config.APIKey)) == 1
}

// authMiddleware wraps an HTTP handler with API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validAPIKey(extractBearerToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="rainyday"`)
			http.Error(w, "Unauthorized: invalid or missing API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PingOutput is the output schema for the ping tool.
type PingOutput struct {
	Message string `json:"message" jsonschema:"Always pong"`
	Time    string `json:"time" jsonschema:"Server time in RFC 3339 format"`
}

// StatusOutput is the output schema for the auth_status tool.
type StatusOutput struct {
	Authenticated bool   `json:"authenticated" jsonschema:"Whether a Google account is signed in"`
	Email         string `json:"email,omitempty" jsonschema:"Email of the signed-in account"`
	Name          string `json:"name,omitempty" jsonschema:"Display name of the signed-in account"`
	ExpiresAt     string `json:"expiresAt,omitempty" jsonschema:"Expiry of the current access token in RFC 3339 format"`
	LoginPending  bool   `json:"loginPending" jsonschema:"Whether a sign-in is waiting for the browser redirect"`
}

// LoginInput is the input schema for the auth_login tool.
type LoginInput struct {
	OpenBrowser bool `json:"openBrowser,omitempty" jsonschema:"Open the sign-in page in the local browser"`
}

// LoginOutput is the output schema for the auth_login tool.
type LoginOutput struct {
	AuthURL string `json:"authUrl" jsonschema:"Google sign-in URL to open in a browser"`
	Message string `json:"message" jsonschema:"Next step for the user"`
}

// LogoutOutput is the output schema for the auth_logout tool.
type LogoutOutput struct {
	Message string `json:"message" jsonschema:"Result of the sign-out"`
}

// CheckItem is the result of one API check.
type CheckItem struct {
	API    string `json:"api" jsonschema:"API name"`
	OK     bool   `json:"ok" jsonschema:"Whether the API answered"`
	Detail string `json:"detail,omitempty" jsonschema:"Short summary of the answer or the error"`
}

// CheckOutput is the output schema for the workspace_check tool.
type CheckOutput struct {
	Results []CheckItem `json:"results" jsonschema:"One entry per API"`
}

// RegisterTools registers all tools with the MCP server.
func (s *Server) RegisterTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ping",
		Description: "Test connectivity with the MCP server",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, PingOutput, error) {
		return nil, PingOutput{Message: "pong", Time: time.Now().Format(time.RFC3339)}, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "auth_status",
		Description: "Show whether a Google account is signed in",
	}, s.handleStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "auth_login",
		Description: "Start a Google sign-in and return the URL to open; the sign-in completes in the background",
	}, s.handleLogin)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "auth_logout",
		Description: "Sign out and remove the stored Google credentials",
	}, s.handleLogout)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "workspace_check",
		Description: "Verify that Gmail, Calendar and Tasks accept the current credentials",
	}, s.handleCheck)
}

// handleStatus implements the auth_status tool.
func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, StatusOutput, error) {
	status := s.sessions.Status()
	out := StatusOutput{
		Authenticated: status.Authenticated,
		LoginPending:  s.authorizer.Pending(),
	}
	if status.User != nil {
		out.Email = status.User.Email
		out.Name = status.User.Name
	}
	if !status.ExpiresAt.IsZero() {
		out.ExpiresAt = status.ExpiresAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

// handleLogin implements the auth_login tool.
func (s *Server) handleLogin(ctx context.Context, req *mcp.CallToolRequest, input LoginInput) (*mcp.CallToolResult, LoginOutput, error) {
	authURL, err := s.authorizer.StartAuthorization(ctx)
	if err != nil {
		return nil, LoginOutput{}, fmt.Errorf("failed to start sign-in: %w", err)
	}

	s.logins.Add(1)
	go func() {
		defer s.logins.Done()
		status, err := s.authorizer.CompleteAuthorization(s.loginCtx)
		if err != nil {
			logger.Warn("Background sign-in failed", zap.Error(err))
			return
		}
		logger.Info("Background sign-in completed", zap.String("email", status.User.Email))
	}()

	message := "Open the URL in a browser to sign in, then call auth_status."
	if input.OpenBrowser {
		if err := s.openBrowser(authURL); err != nil {
			logger.Warn("Failed to open browser", zap.Error(err))
		} else {
			message = "The sign-in page was opened in the browser; call auth_status once it is done."
		}
	}
	return nil, LoginOutput{AuthURL: authURL, Message: message}, nil
}

// handleLogout implements the auth_logout tool.
func (s *Server) handleLogout(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, LogoutOutput, error) {
	if err := s.sessions.Logout(ctx); err != nil {
		return nil, LogoutOutput{}, fmt.Errorf("failed to sign out: %w", err)
	}
	return nil, LogoutOutput{Message: "Signed out"}, nil
}

// handleCheck implements the workspace_check tool.
func (s *Server) handleCheck(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, CheckOutput, error) {
	if !s.sessions.Status().Authenticated {
		return nil, CheckOutput{}, errors.New("not signed in, call auth_login first")
	}

	srv, err := s.newWorkspace(ctx, s.sessions.TokenSource(ctx))
	if err != nil {
		return nil, CheckOutput{}, err
	}

	var out CheckOutput
	for _, r := range srv.Check(ctx) {
		item := CheckItem{API: r.API, OK: r.OK(), Detail: r.Detail}
		if r.Err != nil {
			item.Detail = r.Err.Error()
		}
		out.Results = append(out.Results, item)
	}
	return nil, out, nil
}

// Handler returns the authenticated streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		Stateless: false,
	})
	return s.authMiddleware(mcpHandler)
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.loginCtx = ctx

	s.RegisterTools()

	if s.config.APIKey != "" {
		logger.Info("Authentication mode: static API key")
	} else {
		logger.Warn("Authentication mode: disabled (no API key configured)")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting MCP server", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Pending sign-ins stop with ctx and release their loopback listeners.
	cancel()
	s.logins.Wait()

	logger.Info("MCP server stopped")
	return nil
}
