// Package auth implements the Google OAuth2 authorization-code flow with PKCE
// for an installed desktop client, and the lifecycle of the resulting
// credentials: the refresh token lives in a platform secret vault, the
// non-secret session metadata in a plain JSON file, and the access token only
// in process memory.
//
// The authorization leg uses a loopback redirect (http://127.0.0.1:<port>)
// served by a one-shot listener. Downstream API clients consume a single
// contract: Manager.GetAccessToken, or its oauth2.TokenSource adapter.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	tasks "google.golang.org/api/tasks/v1"

	"rainyday/internal/logger"
)

// Google endpoints.
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL = "https://www.googleapis.com/"
)

// Timing constants.
const (
	// RefreshBuffer is how long before expiry an access token is renewed.
	RefreshBuffer = 5 * time.Minute
	// NetworkTimeout bounds every token-endpoint and profile request.
	NetworkTimeout = 30 * time.Second
	// DefaultExpiresIn is assumed when a token response omits expires_in.
	DefaultExpiresIn = 3600 * time.Second
	// DefaultCallbackTimeout bounds how long the loopback listener waits.
	DefaultCallbackTimeout = 5 * time.Minute
)

// Scopes is the fixed, minimal scope set requested at authorization.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	calendar.CalendarReadonlyScope,
	tasks.TasksScope,
	"openid",
	"email",
	"profile",
}

// Endpoints are the provider URLs used by the flow. Tests point them at
// local servers.
type Endpoints struct {
	AuthURL  string
	TokenURL string
	// UserInfoBase is the root URL of the oauth2/v2 userinfo API.
	UserInfoBase string
}

// GoogleEndpoints returns the production Google endpoints.
func GoogleEndpoints() Endpoints {
	return Endpoints{
		AuthURL:      GoogleAuthURL,
		TokenURL:     GoogleTokenURL,
		UserInfoBase: GoogleUserInfoURL,
	}
}

// Credentials are the OAuth client credentials of the installed app.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// CredentialSource lists where client credentials may come from.
// Sources are checked in order:
// 1. ClientID/ClientSecret set directly (config file or environment)
// 2. Secret Manager secret SecretProject/SecretName holding a client JSON
// 3. CredentialFile holding a client JSON downloaded from the Cloud Console
type CredentialSource struct {
	ClientID       string
	ClientSecret   string
	SecretProject  string
	SecretName     string
	CredentialFile string
}

// loadSecret is replaced in tests.
var loadSecret = loadFromSecretManager

// LoadCredentials resolves the OAuth client credentials.
// It fails with a configuration error when no source yields both values.
func LoadCredentials(ctx context.Context, src CredentialSource) (*Credentials, error) {
	const op = "load_credentials"

	if src.ClientID != "" && src.ClientSecret != "" {
		return &Credentials{ClientID: src.ClientID, ClientSecret: src.ClientSecret}, nil
	}

	var credentialsJSON []byte

	if src.SecretProject != "" && src.SecretName != "" {
		data, err := loadSecret(ctx, src.SecretProject, src.SecretName)
		if err != nil {
			logger.Warn("Failed to load credentials from Secret Manager", zap.Error(err))
		} else {
			logger.Info("OAuth credentials loaded from Secret Manager",
				zap.String("project", src.SecretProject), zap.String("secret", src.SecretName))
			credentialsJSON = data
		}
	}

	if credentialsJSON == nil && src.CredentialFile != "" {
		data, err := os.ReadFile(src.CredentialFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, NewError(KindConfiguration, op, "failed to read credentials file "+src.CredentialFile, err)
		}
		if err == nil {
			logger.Info("OAuth credentials loaded from file", zap.String("path", src.CredentialFile))
			credentialsJSON = data
		}
	}

	if credentialsJSON == nil {
		return nil, configurationError(op, "no OAuth client credentials: set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET, Secret Manager, or a credentials file")
	}

	config, err := google.ConfigFromJSON(credentialsJSON, Scopes...)
	if err != nil {
		return nil, NewError(KindConfiguration, op, "failed to parse OAuth credentials", err)
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, configurationError(op, "OAuth credentials are missing client_id or client_secret")
	}

	return &Credentials{ClientID: config.ClientID, ClientSecret: config.ClientSecret}, nil
}

// loadFromSecretManager loads a client JSON from Google Secret Manager.
func loadFromSecretManager(ctx context.Context, project, secretName string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	secretPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", secretPath, err)
	}

	return result.Payload.Data, nil
}

// NewOAuthConfig builds the oauth2 configuration shared by the coordinator
// and the exchanger. Client id and secret travel as form parameters.
func NewOAuthConfig(creds *Credentials, endpoints Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scopes:       append([]string(nil), Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthURL,
			TokenURL:  endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// OpenBrowser asks the desktop environment to open url.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}
