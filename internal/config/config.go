// Package config loads rainyday settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version information, set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string.
func GetVersionInfo() string {
	return fmt.Sprintf("rainyday version %s, commit %s, built at %s", version, commit, date)
}

// Version returns the bare version.
func Version() string {
	return version
}

// Vault backends.
const (
	VaultKeyring   = "keyring"
	VaultFirestore = "firestore"
	VaultMemory    = "memory"
)

// Config is the complete application configuration.
type Config struct {
	AppDir  string        `mapstructure:"app_dir"`
	Google  GoogleConfig  `mapstructure:"google"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// GoogleConfig locates the OAuth client credentials.
type GoogleConfig struct {
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	CredentialsFile string `mapstructure:"credentials_file"`
	SecretProject   string `mapstructure:"secret_project"`
	SecretName      string `mapstructure:"secret_name"`
}

// AuthConfig tunes the authorization flow.
type AuthConfig struct {
	PortFirst       int           `mapstructure:"port_first"`
	PortLast        int           `mapstructure:"port_last"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
	MigrateLegacy   bool          `mapstructure:"migrate_legacy"`
	OpenBrowser     bool          `mapstructure:"open_browser"`
}

// VaultConfig selects where secrets are kept.
type VaultConfig struct {
	Backend             string   `mapstructure:"backend"`
	KeyringBackends     []string `mapstructure:"keyring_backends"`
	FileDir             string   `mapstructure:"file_dir"`
	FilePassword        string   `mapstructure:"file_password"`
	FirestoreProject    string   `mapstructure:"firestore_project"`
	FirestoreCollection string   `mapstructure:"firestore_collection"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// SessionPath is the session metadata file.
func (c *Config) SessionPath() string {
	return filepath.Join(c.AppDir, "session.json")
}

// LegacyTokenPath is the combined token file of older releases.
func (c *Config) LegacyTokenPath() string {
	return filepath.Join(c.AppDir, "auth_tokens.json")
}

// DefaultAppDir returns <user config dir>/rainyday.
func DefaultAppDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".rainyday")
	}
	return filepath.Join(dir, "rainyday")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_dir", "")

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.credentials_file", "")
	v.SetDefault("google.secret_project", "")
	v.SetDefault("google.secret_name", "")

	v.SetDefault("auth.port_first", 8400)
	v.SetDefault("auth.port_last", 8499)
	v.SetDefault("auth.callback_timeout", 5*time.Minute)
	v.SetDefault("auth.migrate_legacy", true)
	v.SetDefault("auth.open_browser", true)

	v.SetDefault("vault.backend", VaultKeyring)
	v.SetDefault("vault.keyring_backends", []string{})
	v.SetDefault("vault.file_dir", "")
	v.SetDefault("vault.file_password", "")
	v.SetDefault("vault.firestore_project", "")
	v.SetDefault("vault.firestore_collection", "rainyday_secrets")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.disable_stacktrace", true)
	v.SetDefault("logging.output_path", "")
	v.SetDefault("logging.append_to_file", true)
	v.SetDefault("logging.disable_console", false)
}

// Load reads the configuration. When path is empty, config.yaml is looked up
// in the default application directory and may be absent. Environment
// variables prefixed RAINYDAY_ override file values; GOOGLE_CLIENT_ID and
// GOOGLE_CLIENT_SECRET are honored as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAINYDAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("google.client_id", "RAINYDAY_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("google.client_secret", "RAINYDAY_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultAppDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.AppDir == "" {
		cfg.AppDir = DefaultAppDir()
	}
	if cfg.Vault.FileDir == "" {
		cfg.Vault.FileDir = filepath.Join(cfg.AppDir, "keyring")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Auth.PortFirst <= 0 || c.Auth.PortLast > 65535 || c.Auth.PortFirst > c.Auth.PortLast {
		return fmt.Errorf("invalid callback port range %d-%d", c.Auth.PortFirst, c.Auth.PortLast)
	}
	if c.Auth.CallbackTimeout <= 0 {
		return fmt.Errorf("callback timeout must be positive")
	}
	switch c.Vault.Backend {
	case VaultKeyring, VaultMemory:
	case VaultFirestore:
		if c.Vault.FirestoreProject == "" {
			return fmt.Errorf("vault backend firestore requires vault.firestore_project")
		}
	default:
		return fmt.Errorf("unknown vault backend %q", c.Vault.Backend)
	}
	switch c.Logging.Format {
	case "console", "json", "":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}
