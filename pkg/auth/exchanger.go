package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"rainyday/internal/logger"
)

// TokenExchanger performs the two token-endpoint grants and the profile
// lookup. It holds no mutable state and is safe for concurrent use.
type TokenExchanger struct {
	config       *oauth2.Config
	userInfoBase string
	client       *http.Client
	timeout      time.Duration
	now          func() time.Time
}

// NewTokenExchanger creates an exchanger for the given client and endpoints.
func NewTokenExchanger(creds *Credentials, endpoints Endpoints) *TokenExchanger {
	return &TokenExchanger{
		config:       NewOAuthConfig(creds, endpoints),
		userInfoBase: endpoints.UserInfoBase,
		client:       &http.Client{Timeout: NetworkTimeout},
		timeout:      NetworkTimeout,
		now:          time.Now,
	}
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
// redirectURI must be identical to the one sent in the authorization request.
func (e *TokenExchanger) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Grant, error) {
	const op = "exchange_code"

	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	cfg := *e.config
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyTokenError(op, err)
	}

	grant := e.grantFrom(tok)
	logger.Debug("Authorization code exchanged",
		zap.String("access_token", MaskToken(grant.AccessToken)),
		zap.Time("expires_at", grant.ExpiresAt),
		zap.Bool("refresh_token_issued", grant.RefreshToken != ""))
	return grant, nil
}

// ExchangeRefresh obtains a new access token from a refresh token. When the
// provider does not rotate the refresh token, the original one is kept.
func (e *TokenExchanger) ExchangeRefresh(ctx context.Context, refreshToken string) (*Grant, error) {
	const op = "exchange_refresh"

	if refreshToken == "" {
		return nil, stateError(op, "no refresh token")
	}

	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	tok, err := e.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(op, err)
	}

	grant := e.grantFrom(tok)
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	logger.Debug("Access token refreshed",
		zap.String("access_token", MaskToken(grant.AccessToken)),
		zap.Time("expires_at", grant.ExpiresAt),
		zap.Bool("refresh_token_rotated", grant.RefreshToken != refreshToken))
	return grant, nil
}

// FetchProfile retrieves the identity of the access token's owner.
func (e *TokenExchanger) FetchProfile(ctx context.Context, accessToken string) (*UserInfo, error) {
	const op = "fetch_profile"

	ctx, cancel := e.requestContext(ctx)
	defer cancel()

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = e.timeout

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if e.userInfoBase != "" {
		opts = append(opts, option.WithEndpoint(e.userInfoBase))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, NewError(KindConfiguration, op, "failed to create userinfo client", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return nil, NewError(KindNetwork, op,
				fmt.Sprintf("userinfo returned status %d: %s", apiErr.Code, apiErr.Body), err)
		}
		if isTransportError(err) {
			return nil, NewError(KindNetwork, op, "userinfo request failed", err)
		}
		return nil, NewError(KindProtocol, op, "malformed userinfo response", err)
	}
	if info.Email == "" {
		return nil, protocolError(op, "userinfo response has no email")
	}

	return &UserInfo{
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

// requestContext bounds a provider call and routes it through the
// exchanger's HTTP client.
func (e *TokenExchanger) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, e.client), cancel
}

// grantFrom converts an oauth2 token. Expiry is computed from expires_in
// against the exchanger's clock.
func (e *TokenExchanger) grantFrom(tok *oauth2.Token) *Grant {
	now := e.now()
	var expiresAt time.Time
	switch {
	case tok.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	case !tok.Expiry.IsZero():
		expiresAt = tok.Expiry
	default:
		expiresAt = now.Add(DefaultExpiresIn)
	}

	scopes := Scopes
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		scopes = strings.Fields(s)
	}

	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       append([]string(nil), scopes...),
	}
}

// classifyTokenError maps an oauth2 token-endpoint failure to an Error.
// Non-2xx responses and transport failures are network errors; a 2xx
// response that could not be used is a protocol error.
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 200 && status < 300 {
			return NewError(KindProtocol, op,
				fmt.Sprintf("token endpoint returned error %q", retrieveErr.ErrorCode), err)
		}
		return NewError(KindNetwork, op,
			fmt.Sprintf("token endpoint returned status %d: %s", status, string(retrieveErr.Body)), err)
	}
	if isTransportError(err) {
		return NewError(KindNetwork, op, "token request failed", err)
	}
	return NewError(KindProtocol, op, "malformed token response", err)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
