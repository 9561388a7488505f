package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded lifecycle defaults.
const (
	DefaultSessionTTL        = 12 * time.Hour
	DefaultRequestTimeout    = 10 * time.Second
	DefaultRedirectMaxAge    = 300 * time.Second
	DefaultRedirectSweep     = 4 * time.Hour
	DefaultCredentialSweep   = 24 * time.Hour
	DefaultLoginRedirectPath = "/"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	SSO         SSOConfig         `yaml:"sso"`
	Auth        AuthConfig        `yaml:"auth"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Messages    MessageConfig     `yaml:"messages"`
}

// ServerConfig controls listener, TLS, storage, and session concerns.
type ServerConfig struct {
	PublicURL       string        `yaml:"public_url"`
	DevListenAddr   string        `yaml:"dev_listen_addr"`
	HTTPListenAddr  string        `yaml:"http_listen_addr"`
	HTTPSListenAddr string        `yaml:"https_listen_addr"`
	DevMode         bool          `yaml:"dev_mode"`
	CookieDomain    string        `yaml:"cookie_domain"`
	StoragePath     string        `yaml:"storage_path"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// SSOConfig describes the identity provider application registration and
// endpoints.
type SSOConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CallbackURL  string `yaml:"callback_url"`

	LoginURL        string `yaml:"login_url"`
	CodeExchangeURL string `yaml:"code_exchange_url"`
	TokenRefreshURL string `yaml:"token_refresh_url"`
	TokenVerifyURL  string `yaml:"token_verify_url"`

	LoginScopes []string `yaml:"login_scopes"`

	// TokenValidDuration caps the provider-stated expiry when set. Zero
	// means trust the provider.
	TokenValidDuration time.Duration `yaml:"token_valid_duration"`

	// PurgeOnOwnerChange deletes stored credentials for a character whose
	// owning account has changed since the token was issued.
	PurgeOnOwnerChange bool `yaml:"purge_on_owner_change"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig controls the authentication side effect of the callback.
type AuthConfig struct {
	CreateUnknownUser    bool   `yaml:"create_unknown_user"`
	RedirectField        string `yaml:"redirect_field"`
	DefaultLoginRedirect string `yaml:"default_login_redirect"`
}

// MaintenanceConfig controls the periodic sweep jobs.
type MaintenanceConfig struct {
	RedirectMaxAge          time.Duration `yaml:"redirect_max_age"`
	RedirectSweepInterval   time.Duration `yaml:"redirect_sweep_interval"`
	CredentialSweepInterval time.Duration `yaml:"credential_sweep_interval"`
}

// MessageConfig holds the user-facing error strings.
type MessageConfig struct {
	InvalidRequest       string `yaml:"invalid_request"`
	InvalidCallback      string `yaml:"invalid_callback"`
	AccountInactive      string `yaml:"account_inactive"`
	AccountNotRegistered string `yaml:"account_not_registered"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SessionTTL:      DefaultSessionTTL,
		},
		SSO: SSOConfig{
			LoginURL:           "https://login.eveonline.com/oauth/authorize/",
			CodeExchangeURL:    "https://login.eveonline.com/oauth/token",
			TokenRefreshURL:    "https://login.eveonline.com/oauth/token",
			TokenVerifyURL:     "https://login.eveonline.com/oauth/verify",
			PurgeOnOwnerChange: true,
			RequestTimeout:     DefaultRequestTimeout,
		},
		Auth: AuthConfig{
			CreateUnknownUser:    true,
			RedirectField:        "next",
			DefaultLoginRedirect: DefaultLoginRedirectPath,
		},
		Maintenance: MaintenanceConfig{
			RedirectMaxAge:          DefaultRedirectMaxAge,
			RedirectSweepInterval:   DefaultRedirectSweep,
			CredentialSweepInterval: DefaultCredentialSweep,
		},
		Messages: MessageConfig{
			InvalidRequest:       "Invalid query parameters for request",
			InvalidCallback:      "This login information is not valid anymore. Try logging in again.",
			AccountInactive:      "User account disabled",
			AccountNotRegistered: "No account found with provided token",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"EVESSOD_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"EVESSOD_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"EVESSOD_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"EVESSOD_SERVER_STORAGE_PATH":    func(v string) { cfg.Server.StoragePath = v },
		"EVESSOD_SERVER_TLS_DOMAINS":     func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"EVESSOD_SSO_CLIENT_ID":          func(v string) { cfg.SSO.ClientID = v },
		"EVESSOD_SSO_CLIENT_SECRET":      func(v string) { cfg.SSO.ClientSecret = v },
		"EVESSOD_SSO_CALLBACK_URL":       func(v string) { cfg.SSO.CallbackURL = v },
		"EVESSOD_SSO_LOGIN_SCOPES":       func(v string) { cfg.SSO.LoginScopes = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.SSO.ClientID == "" {
		return errors.New("sso.client_id is required")
	}
	if c.SSO.ClientSecret == "" {
		return errors.New("sso.client_secret is required")
	}
	if c.SSO.CallbackURL == "" {
		return errors.New("sso.callback_url is required")
	}
	if !validHTTPURL(c.SSO.CallbackURL) {
		return fmt.Errorf("sso.callback_url must start with http:// or https://, got: %s", c.SSO.CallbackURL)
	}

	endpoints := []struct{ name, value string }{
		{"sso.login_url", c.SSO.LoginURL},
		{"sso.code_exchange_url", c.SSO.CodeExchangeURL},
		{"sso.token_refresh_url", c.SSO.TokenRefreshURL},
		{"sso.token_verify_url", c.SSO.TokenVerifyURL},
	}
	for _, ep := range endpoints {
		if ep.value == "" {
			return fmt.Errorf("%s is required", ep.name)
		}
		if !validHTTPURL(ep.value) {
			return fmt.Errorf("%s must start with http:// or https://, got: %s", ep.name, ep.value)
		}
	}

	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.SSO.TokenValidDuration < 0 {
		return errors.New("sso.token_valid_duration must not be negative")
	}
	if c.Maintenance.RedirectMaxAge <= 0 {
		return errors.New("maintenance.redirect_max_age must be positive")
	}

	return nil
}

func validHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// BasicAuthHeader builds the provider Authorization header from application
// credentials. Pure function of the client id and secret.
func BasicAuthHeader(clientID, clientSecret string) string {
	raw := clientID + ":" + clientSecret
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
