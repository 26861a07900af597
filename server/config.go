package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and login-attempt defaults
const (
	DefaultSessionMaxAge     = 8 * time.Hour
	DefaultSessionCookieName = "ajp_identity_session"
	DefaultPostLoginPath     = "/"
	DefaultLoginPath         = "/login"
)

// DefaultScopes is requested when the config lists none.
var DefaultScopes = []string{"openid", "profile", "email"}

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and redirect-path concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	PostLoginPath   string    `yaml:"post_login_path"`
	LoginPath       string    `yaml:"login_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// ProviderConfig selects the identity provider family and its settings.
// Only the Entra family is implemented; a second family is a second
// implementation of the IdentityProvider interface, not a branch here.
type ProviderConfig struct {
	Name  string      `yaml:"name"`
	Entra EntraConfig `yaml:"entra"`
}

// EntraConfig encapsulates tenant, client credentials, and the optional
// directory role-resolution settings for Microsoft Entra ID.
type EntraConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`

	// Issuer overrides the tenant-derived issuer URL. Mostly useful for
	// pointing at a stub provider in tests.
	Issuer string `yaml:"issuer"`

	// GraphURL overrides the Microsoft Graph base URL.
	GraphURL string `yaml:"graph_url"`

	// ServicePrincipalID is the enterprise-app object ID whose app role
	// assignments are looked up. Empty disables directory enrichment.
	ServicePrincipalID string `yaml:"service_principal_id"`

	// RoleMapping maps directory app-role IDs to application role names.
	// IDs without an entry map to themselves.
	RoleMapping map[string]string `yaml:"role_mapping"`

	// GroupRoleMapping maps group display-name substrings to application
	// role names, used only when app-role lookup yields nothing.
	GroupRoleMapping map[string]string `yaml:"group_role_mapping"`

	// FetchDirectoryRoles toggles the Graph lookups. Defaults to true when
	// ServicePrincipalID is set.
	FetchDirectoryRoles *bool `yaml:"fetch_directory_roles"`
}

// DirectoryRolesEnabled reports whether the best-effort Graph lookups run.
func (c EntraConfig) DirectoryRolesEnabled() bool {
	if c.ServicePrincipalID == "" {
		return false
	}
	if c.FetchDirectoryRoles != nil {
		return *c.FetchDirectoryRoles
	}
	return true
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	// Secret signs the session JWT. Required; there is no default.
	Secret     string `yaml:"secret"`
	CookieName string `yaml:"cookie_name"`
	// MaxAge is the session lifetime in seconds.
	MaxAge int `yaml:"max_age"`
}

// TTL returns the configured session lifetime as a duration.
func (c SessionConfig) TTL() time.Duration {
	if c.MaxAge <= 0 {
		return DefaultSessionMaxAge
	}
	return time.Duration(c.MaxAge) * time.Second
}

// ProxyConfig defines reverse proxy routes for host-based routing.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a hostname to a backend target.
type ProxyRoute struct {
	Host               string `yaml:"host"`
	Target             string `yaml:"target"`
	RequireAuth        bool   `yaml:"require_auth"`
	InjectIdentity     bool   `yaml:"inject_identity"`
	StripPrefix        string `yaml:"strip_prefix"`
	PreserveHost       bool   `yaml:"preserve_host"`
	Timeout            string `yaml:"timeout"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

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
			SecretsPath:     ".secrets",
			PostLoginPath:   DefaultPostLoginPath,
			LoginPath:       DefaultLoginPath,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Provider: ProviderConfig{
			Name: "entra",
		},
		Session: SessionConfig{
			CookieName: DefaultSessionCookieName,
			MaxAge:     int(DefaultSessionMaxAge.Seconds()),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyDefaults backfills fields a partial YAML file may have blanked.
func applyDefaults(cfg *Config) {
	if cfg.Server.PostLoginPath == "" {
		cfg.Server.PostLoginPath = DefaultPostLoginPath
	}
	if cfg.Server.LoginPath == "" {
		cfg.Server.LoginPath = DefaultLoginPath
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = DefaultSessionCookieName
	}
	if cfg.Session.MaxAge <= 0 {
		cfg.Session.MaxAge = int(DefaultSessionMaxAge.Seconds())
	}
	if len(cfg.Provider.Entra.Scopes) == 0 {
		cfg.Provider.Entra.Scopes = append([]string(nil), DefaultScopes...)
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IDENTITYD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"IDENTITYD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"IDENTITYD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"IDENTITYD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"IDENTITYD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDENTITYD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"IDENTITYD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"IDENTITYD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"IDENTITYD_PROVIDER_TENANT_ID":       func(v string) { cfg.Provider.Entra.TenantID = v },
		"IDENTITYD_PROVIDER_CLIENT_ID":       func(v string) { cfg.Provider.Entra.ClientID = v },
		"IDENTITYD_PROVIDER_CLIENT_SECRET":   func(v string) { cfg.Provider.Entra.ClientSecret = v },
		"IDENTITYD_PROVIDER_REDIRECT_URI":    func(v string) { cfg.Provider.Entra.RedirectURI = v },
		"IDENTITYD_PROVIDER_SCOPES":          func(v string) { cfg.Provider.Entra.Scopes = splitAndTrim(v) },
		"IDENTITYD_SESSION_SECRET":           func(v string) { cfg.Session.Secret = v },
		"IDENTITYD_SESSION_COOKIE_NAME":      func(v string) { cfg.Session.CookieName = v },
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

// Validate performs sanity checks on the config. Failures are fatal before
// any request is served.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Provider.Name != "entra" {
		slog.Error("Unsupported provider family", "field", "provider.name", "value", c.Provider.Name)
		return fmt.Errorf("unsupported provider: %s", c.Provider.Name)
	}

	entra := c.Provider.Entra
	if entra.TenantID == "" && entra.Issuer == "" {
		slog.Error("Missing required configuration", "field", "provider.entra.tenant_id")
		return errors.New("provider.entra.tenant_id is required")
	}
	if entra.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.entra.client_id")
		return errors.New("provider.entra.client_id is required")
	}
	if entra.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "provider.entra.client_secret")
		return errors.New("provider.entra.client_secret is required")
	}
	if entra.RedirectURI == "" {
		slog.Error("Missing required configuration", "field", "provider.entra.redirect_uri")
		return errors.New("provider.entra.redirect_uri is required")
	}

	if c.Session.Secret == "" {
		slog.Error("Missing required configuration", "field", "session.secret")
		return errors.New("session.secret is required")
	}

	for i, route := range c.Proxy.Routes {
		if route.Host == "" {
			slog.Error("Proxy route missing host", "index", i)
			return fmt.Errorf("proxy.routes[%d]: host is required", i)
		}
		if route.Target == "" {
			slog.Error("Proxy route missing target", "host", route.Host, "index", i)
			return fmt.Errorf("proxy.routes[%d]: target is required", i)
		}
	}

	return nil
}
