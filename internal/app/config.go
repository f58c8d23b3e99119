package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/kirodesk/internal/provider"
	"github.com/florianilch/kirodesk/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for stored accounts.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeSQLite  TokenStorageType = "sqlite"
)

// Default configuration values
const (
	DefaultConfigLogFormat             = LogFormatText
	DefaultConfigServerHost            = "127.0.0.1"
	DefaultConfigServerPort            = 4100
	DefaultConfigShutdownTimeout       = 5 * time.Second
	DefaultConfigSessionTimeout        = 10 * time.Minute
	DefaultConfigSessionSweepInterval  = 30 * time.Second
	DefaultConfigExchangeTimeout       = 30 * time.Second
	DefaultConfigStorageType           = TokenStorageTypeFile
	DefaultConfigStorageKeyringService = "kirodesk"
	DefaultConfigCallbackPath          = "/oauth/callback"
)

// appDirName is the per-user configuration directory name.
const appDirName = "kirodesk"

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type

	// OriginPatterns lists extra Origin hosts allowed to open the event WebSocket,
	// e.g. "tauri.localhost".
	OriginPatterns []string `json:"origin_patterns,omitempty"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.FormatUint(uint64(s.Port), 10))
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// SessionConfig holds authorization session lifetimes.
type SessionConfig struct {
	Timeout       time.Duration `json:"timeout" validate:"gte=0"`
	SweepInterval time.Duration `json:"sweep_interval" validate:"gte=0"`
}

// ExchangeConfig holds token endpoint settings.
type ExchangeConfig struct {
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// CallbackConfig controls how authorization callbacks are handled.
type CallbackConfig struct {
	// AutoComplete completes intercepted callbacks without waiting for the UI.
	AutoComplete bool `json:"auto_complete"`

	// RedirectURL is the default redirect URI of the social providers. Defaults to the
	// loopback callback route of this server.
	RedirectURL string `json:"redirect_url" validate:"omitempty,url"`
}

// StorageConfig describes where accounts are persisted.
type StorageConfig struct {
	Type TokenStorageType `json:"type" validate:"required,oneof=file keyring sqlite"`

	Dir            string `json:"dir,omitempty"`             // For file storage: directory of account files
	File           string `json:"file,omitempty"`            // For sqlite storage: database path
	KeyringService string `json:"keyring_service,omitempty"` // For keyring storage: service name

	// EncryptionKey seals file and sqlite records at rest when set: base64 of 32 bytes.
	EncryptionKey string `json:"encryption_key,omitempty"`
}

// NewTokenStore creates a TokenStore from the storage configuration.
func (s *StorageConfig) NewTokenStore() (tokenstore.TokenStore, error) {
	var sealer tokenstore.Sealer
	if s.EncryptionKey != "" {
		var err error
		if sealer, err = tokenstore.NewSealer(s.EncryptionKey); err != nil {
			return nil, fmt.Errorf("storage.encryption_key: %w", err)
		}
	}

	switch s.Type {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(s.Dir, sealer)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(s.KeyringService)
	case TokenStorageTypeSQLite:
		return tokenstore.OpenSQLiteStore(s.File, sealer)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

// ProviderConfig overrides the built-in settings of one provider. Empty fields keep the
// built-in value.
type ProviderConfig struct {
	Disabled bool `json:"disabled"`

	ClientID      string   `json:"client_id,omitempty"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	AuthURL       string   `json:"auth_url,omitempty" validate:"omitempty,url"`
	TokenURL      string   `json:"token_url,omitempty" validate:"omitempty,url"`
	RefreshURL    string   `json:"refresh_url,omitempty" validate:"omitempty,url"`
	DeviceAuthURL string   `json:"device_auth_url,omitempty" validate:"omitempty,url"`
	StartURL      string   `json:"start_url,omitempty" validate:"omitempty,url"`
	RedirectURL   string   `json:"redirect_url,omitempty" validate:"omitempty,url"`
	Scopes        []string `json:"scopes,omitempty"`
	PKCE          *bool    `json:"pkce,omitempty"`
	TokenEncoding string   `json:"token_encoding,omitempty" validate:"omitempty,oneof=form json"`
	Issuer        string   `json:"issuer,omitempty" validate:"omitempty,url"`
	JWKSURL       string   `json:"jwks_url,omitempty" validate:"omitempty,url"`
	IdP           string   `json:"idp,omitempty"`
}

// apply overlays the configured overrides onto base.
func (p ProviderConfig) apply(base provider.Config) provider.Config {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.ClientID, p.ClientID)
	set(&base.ClientSecret, p.ClientSecret)
	set(&base.AuthURL, p.AuthURL)
	set(&base.TokenURL, p.TokenURL)
	set(&base.RefreshURL, p.RefreshURL)
	set(&base.DeviceAuthURL, p.DeviceAuthURL)
	set(&base.StartURL, p.StartURL)
	set(&base.RedirectURL, p.RedirectURL)
	set(&base.Issuer, p.Issuer)
	set(&base.JWKSURL, p.JWKSURL)
	set(&base.IdP, p.IdP)
	if len(p.Scopes) > 0 {
		base.Scopes = p.Scopes
	}
	if p.PKCE != nil {
		base.PKCE = *p.PKCE
	}
	if p.TokenEncoding != "" {
		base.TokenEncoding = provider.TokenEncoding(p.TokenEncoding)
	}
	return base
}

// ProvidersConfig holds per-provider overrides.
type ProvidersConfig struct {
	Google ProviderConfig `json:"google"`
	Github ProviderConfig `json:"github"`
	// BuilderID is only enabled once a registered client_id is configured.
	BuilderID ProviderConfig `json:"builder_id"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Session   SessionConfig   `json:"session"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Callback  CallbackConfig  `json:"callback"`
	Storage   StorageConfig   `json:"storage"`
	Providers ProvidersConfig `json:"providers"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = DefaultConfigSessionTimeout
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = DefaultConfigSessionSweepInterval
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultConfigExchangeTimeout
	}
	if c.Callback.RedirectURL == "" {
		c.Callback.RedirectURL = "http://" + c.Server.Address() + DefaultConfigCallbackPath
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorageType
	}

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case TokenStorageTypeFile:
		if c.Storage.Dir == "" {
			dir, err := userAppDir()
			if err != nil {
				return fmt.Errorf("storage.dir required (auto-detect failed: %w)", err)
			}
			c.Storage.Dir = filepath.Join(dir, "accounts")
		}
	case TokenStorageTypeSQLite:
		if c.Storage.File == "" {
			dir, err := userAppDir()
			if err != nil {
				return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
			}
			c.Storage.File = filepath.Join(dir, "accounts.db")
		}
	case TokenStorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			c.Storage.KeyringService = DefaultConfigStorageKeyringService
		}
	}

	return nil
}

func userAppDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appDirName), nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Type {
	case TokenStorageTypeFile:
		if c.Storage.Dir == "" {
			return errors.New("dir required for file storage")
		}
	case TokenStorageTypeSQLite:
		if c.Storage.File == "" {
			return errors.New("file required for sqlite storage")
		}
	case TokenStorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			return errors.New("keyring_service required for keyring storage")
		}
		if c.Storage.EncryptionKey != "" {
			return errors.New("encryption_key is not used by keyring storage")
		}
	}

	if _, err := c.ProviderConfigs(); err != nil {
		return err
	}
	return nil
}

// ProviderConfigs resolves the enabled providers: built-in defaults overlaid with the
// configured overrides.
func (c *Config) ProviderConfigs() ([]provider.Config, error) {
	var configs []provider.Config

	defaults := provider.Defaults(c.Callback.RedirectURL)
	overrides := map[provider.ID]ProviderConfig{
		provider.Google: c.Providers.Google,
		provider.Github: c.Providers.Github,
	}
	for _, base := range defaults {
		o := overrides[base.ID]
		if o.Disabled {
			continue
		}
		configs = append(configs, o.apply(base))
	}

	if b := c.Providers.BuilderID; !b.Disabled && b.ClientID != "" {
		configs = append(configs, b.apply(provider.BuilderIDDefaults(b.ClientID, b.ClientSecret)))
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return configs, nil
}
