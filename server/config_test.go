package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Provider.Entra.TenantID = "tenant-1"
	cfg.Provider.Entra.ClientID = "client-1"
	cfg.Provider.Entra.ClientSecret = "secret-1"
	cfg.Provider.Entra.RedirectURI = "https://app.example.com/auth/callback"
	cfg.Session.Secret = "session-secret"
	return cfg
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing_public_url", func(c *Config) { c.Server.PublicURL = "" }, "public_url"},
		{"bad_public_url_scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }, "public_url"},
		{"missing_tenant_and_issuer", func(c *Config) { c.Provider.Entra.TenantID = ""; c.Provider.Entra.Issuer = "" }, "tenant_id"},
		{"missing_client_id", func(c *Config) { c.Provider.Entra.ClientID = "" }, "client_id"},
		{"missing_client_secret", func(c *Config) { c.Provider.Entra.ClientSecret = "" }, "client_secret"},
		{"missing_redirect_uri", func(c *Config) { c.Provider.Entra.RedirectURI = "" }, "redirect_uri"},
		{"missing_session_secret", func(c *Config) { c.Session.Secret = "" }, "session.secret"},
		{"unknown_provider", func(c *Config) { c.Provider.Name = "okta" }, "unsupported provider"},
		{"prod_without_tls_domains", func(c *Config) { c.Server.DevMode = false; c.Server.TLS.Domains = nil }, "tls.domains"},
		{"bad_tls_min_version", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }, "min_version"},
		{"proxy_route_without_target", func(c *Config) {
			c.Proxy.Routes = []ProxyRoute{{Host: "app.example.com"}}
		}, "target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAcceptsIssuerWithoutTenant(t *testing.T) {
	cfg := validTestConfig()
	cfg.Provider.Entra.TenantID = ""
	cfg.Provider.Entra.Issuer = "https://idp.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("issuer should substitute for tenant_id: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: https://auth.example.com
  dev_mode: true
provider:
  name: entra
  entra:
    tenant_id: tenant-1
    client_id: client-1
    client_secret: secret-1
    redirect_uri: https://auth.example.com/auth/callback
    service_principal_id: sp-1
    role_mapping:
      role-guid-1: admin
session:
  secret: session-secret
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.Entra.TenantID != "tenant-1" {
		t.Fatalf("tenant_id not loaded: %+v", cfg.Provider.Entra)
	}
	if cfg.Provider.Entra.RoleMapping["role-guid-1"] != "admin" {
		t.Fatalf("role_mapping not loaded: %v", cfg.Provider.Entra.RoleMapping)
	}
	if !cfg.Provider.Entra.DirectoryRolesEnabled() {
		t.Fatalf("directory roles should default on when service_principal_id is set")
	}

	// Defaults backfill fields the file leaves out.
	if cfg.Session.CookieName != DefaultSessionCookieName {
		t.Fatalf("expected default cookie name, got %q", cfg.Session.CookieName)
	}
	if cfg.Session.TTL() != DefaultSessionMaxAge {
		t.Fatalf("expected default session TTL, got %v", cfg.Session.TTL())
	}
	if got := cfg.Provider.Entra.Scopes; len(got) != 3 || got[0] != "openid" {
		t.Fatalf("expected default scopes, got %v", got)
	}
	if cfg.Server.PostLoginPath != DefaultPostLoginPath || cfg.Server.LoginPath != DefaultLoginPath {
		t.Fatalf("expected default paths, got %q %q", cfg.Server.PostLoginPath, cfg.Server.LoginPath)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: https://auth.example.com
  dev_mode: true
  not_a_real_field: true
provider:
  name: entra
  entra:
    tenant_id: tenant-1
    client_id: client-1
    client_secret: secret-1
    redirect_uri: https://auth.example.com/auth/callback
session:
  secret: session-secret
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown config key")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  public_url: https://auth.example.com
  dev_mode: true
provider:
  name: entra
  entra:
    tenant_id: tenant-1
    client_id: client-1
    client_secret: file-secret
    redirect_uri: https://auth.example.com/auth/callback
session:
  secret: session-secret
`)

	t.Setenv("IDENTITYD_PROVIDER_CLIENT_SECRET", "env-secret")
	t.Setenv("IDENTITYD_PROVIDER_SCOPES", "openid, profile ,email,User.Read")
	t.Setenv("IDENTITYD_SESSION_COOKIE_NAME", "custom_session")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.Entra.ClientSecret != "env-secret" {
		t.Fatalf("env override lost: %q", cfg.Provider.Entra.ClientSecret)
	}
	if got := cfg.Provider.Entra.Scopes; len(got) != 4 || got[3] != "User.Read" {
		t.Fatalf("scopes override not split and trimmed: %v", got)
	}
	if cfg.Session.CookieName != "custom_session" {
		t.Fatalf("cookie name override lost: %q", cfg.Session.CookieName)
	}
}

func TestFetchDirectoryRolesToggle(t *testing.T) {
	off := false
	on := true

	tests := []struct {
		name string
		cfg  EntraConfig
		want bool
	}{
		{"no_service_principal", EntraConfig{}, false},
		{"sp_default_on", EntraConfig{ServicePrincipalID: "sp-1"}, true},
		{"sp_explicit_off", EntraConfig{ServicePrincipalID: "sp-1", FetchDirectoryRoles: &off}, false},
		{"sp_explicit_on", EntraConfig{ServicePrincipalID: "sp-1", FetchDirectoryRoles: &on}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DirectoryRolesEnabled(); got != tt.want {
				t.Fatalf("DirectoryRolesEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionTTL(t *testing.T) {
	if got := (SessionConfig{MaxAge: 60}).TTL(); got != time.Minute {
		t.Fatalf("TTL() = %v, want 1m", got)
	}
	if got := (SessionConfig{}).TTL(); got != DefaultSessionMaxAge {
		t.Fatalf("zero MaxAge must use default, got %v", got)
	}
}
