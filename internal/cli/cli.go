// Package cli provides the command-line interface for rainyday.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rainyday/internal/config"
	"rainyday/internal/logger"
	"rainyday/internal/mcp"
	"rainyday/internal/session"
	"rainyday/internal/vault"
	"rainyday/internal/workspace"
	"rainyday/pkg/auth"
)

// RootCmd is the root command for the CLI.
var RootCmd = &cobra.Command{
	Use:   "rainyday",
	Short: "Rainyday - Google sign-in and credential manager",
	Long: `Sign in to a Google account from the desktop and keep its credentials
fresh for Gmail, Calendar and Tasks.

The refresh token is kept in the platform keyring (or a Firestore collection
on headless hosts); only non-secret session metadata is written to disk.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Global flags
var (
	configPath string
	verbose    bool
)

// Login command flags
var (
	loginNoBrowser bool
)

// Token command flags
var (
	tokenShow bool
)

// Backend command flags
var (
	backendAccessToken  string
	backendRefreshToken string
)

// Serve command flags
var (
	serveHost   string
	servePort   int
	serveAPIKey string
)

// cfg is the configuration loaded before every command.
var cfg *config.Config

// Command definitions
var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rainyday %s\n", config.GetVersionInfo())
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Sign in with a Google account",
		Long: `Sign in with a Google account.

A sign-in URL is printed (and opened in the default browser unless
--no-browser is set). After consent, Google redirects the browser to a
temporary listener on 127.0.0.1 which completes the sign-in.`,
		Example: `  # Sign in, opening the browser
  rainyday login

  # Sign in on a machine without a browser
  rainyday login --no-browser`,
		RunE: runLogin,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in account",
		RunE:  runStatus,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token",
		Long: `Print an access token valid for at least five more minutes, refreshing it
first if needed. The token is masked unless --show is set.`,
		Example: `  # Use the token with curl
  curl -H "Authorization: Bearer $(rainyday token --show)" \
    https://gmail.googleapis.com/gmail/v1/users/me/profile`,
		RunE: runToken,
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove stored credentials",
		RunE:  runLogout,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Verify access to Gmail, Calendar and Tasks",
		RunE:  runCheck,
	}

	backendCmd = &cobra.Command{
		Use:   "backend",
		Short: "Manage the application backend tokens",
	}

	backendSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Store backend tokens",
		RunE:  runBackendSet,
	}

	backendShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the stored backend tokens (masked)",
		RunE:  runBackendShow,
	}

	backendClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored backend tokens",
		RunE:  runBackendClear,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run an MCP (Model Context Protocol) server over streamable HTTP so AI
assistants can check the session, sign in and out, and verify API access.`,
		Example: `  # Listen on the configured address
  rainyday serve

  # Require a bearer API key
  rainyday serve --port 9000 --api-key s3cret`,
		RunE: runServe,
	}
)

// loadConfig reads the configuration and initializes logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		loaded.Logging.Level = "debug"
	}
	if err := logger.InitLogger(&loaded.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = loaded
	logger.Debug("Configuration loaded", zap.String("app_dir", cfg.AppDir), zap.String("vault", cfg.Vault.Backend))
	return nil
}

// app wires the auth components for one command.
type app struct {
	vault       auth.SecretVault
	closeVault  func() error
	manager     *auth.Manager
	coordinator *auth.Coordinator
}

// newApp opens the vault and builds the session manager. With withOAuth the
// client credentials are loaded, the saved session is restored and a
// coordinator is built; without it the manager can only inspect or clear
// stored state.
func newApp(ctx context.Context, withOAuth bool) (*app, error) {
	v, closeVault, err := vault.Open(ctx, &cfg.Vault)
	if err != nil {
		return nil, err
	}
	a := &app{vault: v, closeVault: closeVault}

	mcfg := auth.ManagerConfig{
		Vault:    v,
		Metadata: session.NewFileStore(cfg.SessionPath()),
	}
	if cfg.Auth.MigrateLegacy {
		mcfg.LegacyPath = cfg.LegacyTokenPath()
	}

	if !withOAuth {
		a.manager = auth.NewManager(mcfg)
		return a, nil
	}

	creds, err := auth.LoadCredentials(ctx, auth.CredentialSource{
		ClientID:       cfg.Google.ClientID,
		ClientSecret:   cfg.Google.ClientSecret,
		SecretProject:  cfg.Google.SecretProject,
		SecretName:     cfg.Google.SecretName,
		CredentialFile: cfg.Google.CredentialsFile,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	endpoints := auth.GoogleEndpoints()
	exchanger := auth.NewTokenExchanger(creds, endpoints)
	mcfg.Exchanger = exchanger
	a.manager = auth.NewManager(mcfg)
	if err := a.manager.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	a.coordinator = auth.NewCoordinator(auth.CoordinatorConfig{
		OAuth:           auth.NewOAuthConfig(creds, endpoints),
		Exchanger:       exchanger,
		Sessions:        a.manager,
		Ports:           auth.PortRange{First: cfg.Auth.PortFirst, Last: cfg.Auth.PortLast},
		CallbackTimeout: cfg.Auth.CallbackTimeout,
	})
	return a, nil
}

// Close releases the vault.
func (a *app) Close() {
	if err := a.closeVault(); err != nil {
		logger.Warn("Failed to close vault", zap.Error(err))
	}
}

// signalContext is cancelled on interrupt so pending listeners are released.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if status := a.manager.Status(); status.Authenticated {
		fmt.Printf("%s %s\n", yellow("Currently signed in as"), status.User.Email)
	}

	authURL, err := a.coordinator.StartAuthorization(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Printf("  %s\n", cyan(authURL))
	fmt.Println()

	if cfg.Auth.OpenBrowser && !loginNoBrowser {
		if err := auth.OpenBrowser(authURL); err != nil {
			logger.Warn("Failed to open browser", zap.Error(err))
		}
	}

	fmt.Printf("Waiting for the sign-in to complete (timeout %s)...\n", cfg.Auth.CallbackTimeout)
	status, err := a.coordinator.CompleteAuthorization(ctx)
	if err != nil {
		return describeError(err)
	}

	fmt.Println(green("✓ Signed in"))
	displayStatus(*status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.manager.Status()
	if !status.Authenticated {
		fmt.Println("Not signed in. Run 'rainyday login' to sign in.")
		return nil
	}
	displayStatus(status)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	token, err := a.manager.GetAccessToken(ctx)
	if err != nil {
		return describeError(err)
	}
	if tokenShow {
		fmt.Println(token)
		return nil
	}
	fmt.Println(auth.MaskToken(token))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Logout(ctx); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Println(green("✓ Signed out"))
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.manager.Status().Authenticated {
		return errors.New("not signed in, run 'rainyday login' first")
	}

	srv, err := workspace.NewService(ctx, a.manager.TokenSource(ctx))
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	results := srv.Check(ctx)
	displayCheckTable(results)

	for _, r := range results {
		if !r.OK() {
			return fmt.Errorf("%s check failed", r.API)
		}
	}
	return nil
}

func runBackendSet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	v, closeVault, err := vault.Open(ctx, &cfg.Vault)
	if err != nil {
		return err
	}
	defer closeVault()

	if err := auth.StoreBackendTokens(ctx, v, auth.BackendTokens{
		AccessToken:  backendAccessToken,
		RefreshToken: backendRefreshToken,
	}); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Println(green("✓ Backend tokens stored"))
	return nil
}

func runBackendShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	v, closeVault, err := vault.Open(ctx, &cfg.Vault)
	if err != nil {
		return err
	}
	defer closeVault()

	tokens, err := auth.LoadBackendTokens(ctx, v)
	if err != nil {
		return err
	}
	if tokens == nil {
		fmt.Println("No backend tokens stored.")
		return nil
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("  %s: %s\n", cyan("Access token"), auth.MaskToken(tokens.AccessToken))
	if tokens.RefreshToken != "" {
		fmt.Printf("  %s: %s\n", cyan("Refresh token"), auth.MaskToken(tokens.RefreshToken))
	}
	return nil
}

func runBackendClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	v, closeVault, err := vault.Open(ctx, &cfg.Vault)
	if err != nil {
		return err
	}
	defer closeVault()

	if err := auth.ClearBackendTokens(ctx, v); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Println(green("✓ Backend tokens removed"))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	serverCfg := &mcp.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		APIKey:  cfg.Server.APIKey,
		Version: config.Version(),
	}
	if cmd.Flags().Changed("host") {
		serverCfg.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		serverCfg.Port = servePort
	}
	if cmd.Flags().Changed("api-key") {
		serverCfg.APIKey = serveAPIKey
	}

	return mcp.NewServer(serverCfg, a.manager, a.coordinator).Run(ctx)
}

// describeError adds a hint for the error kinds the user can act on.
func describeError(err error) error {
	switch {
	case errors.Is(err, auth.ErrState):
		return fmt.Errorf("%w (run 'rainyday login' to sign in)", err)
	case errors.Is(err, auth.ErrSecurity):
		return fmt.Errorf("%w (the sign-in was aborted, try again)", err)
	case errors.Is(err, auth.ErrNetwork):
		return fmt.Errorf("%w (check your connection or sign in again)", err)
	}
	return err
}

// displayStatus shows the signed-in account.
func displayStatus(status auth.AuthStatus) {
	cyan := color.New(color.FgCyan).SprintFunc()

	if status.User != nil {
		fmt.Printf("  %s: %s\n", cyan("Email"), status.User.Email)
		if status.User.Name != "" {
			fmt.Printf("  %s: %s\n", cyan("Name"), status.User.Name)
		}
	}
	fmt.Printf("  %s: %s\n", cyan("Token expires"), formatTime(status.ExpiresAt))
}

// displayCheckTable shows one row per API check.
func displayCheckTable(results []workspace.CheckResult) {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "%s\t%s\t%s\n", cyan("API"), cyan("Status"), cyan("Detail"))
	fmt.Fprintf(w, "%s\t%s\t%s\n",
		strings.Repeat("-", 10),
		strings.Repeat("-", 6),
		strings.Repeat("-", 50))

	for _, r := range results {
		state, detail := green("ok"), r.Detail
		if !r.OK() {
			state, detail = red("failed"), r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.API, state, truncate(detail, 50))
	}
}

// truncate shortens a string to the specified length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatTime formats an expiry for display, in local time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Init initializes the CLI commands and flags.
func Init() {
	RootCmd.Version = config.Version()
	RootCmd.SetVersionTemplate("rainyday version {{.Version}}\n")

	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <user config dir>/rainyday/config.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the sign-in URL without opening a browser")

	tokenCmd.Flags().BoolVar(&tokenShow, "show", false, "Print the full token instead of a masked one")

	backendSetCmd.Flags().StringVar(&backendAccessToken, "access-token", "", "Backend access token (required)")
	backendSetCmd.Flags().StringVar(&backendRefreshToken, "refresh-token", "", "Backend refresh token")
	_ = backendSetCmd.MarkFlagRequired("access-token")

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Require this bearer API key (overrides server.api_key)")

	backendCmd.AddCommand(backendSetCmd)
	backendCmd.AddCommand(backendShowCmd)
	backendCmd.AddCommand(backendClearCmd)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(loginCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(tokenCmd)
	RootCmd.AddCommand(logoutCmd)
	RootCmd.AddCommand(checkCmd)
	RootCmd.AddCommand(backendCmd)
	RootCmd.AddCommand(serveCmd)
}
