package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeKeyFile creates a placeholder key file; Load only checks that it is
// readable.
func writeKeyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "private_key.pem")
	if err := os.WriteFile(path, []byte("placeholder"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoad_RequiresClientID(t *testing.T) {
	t.Setenv("EPIC_CLIENT_ID", "")
	t.Setenv("EPIC_PRIVATE_KEY_PATH", writeKeyFile(t))
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "EPIC_CLIENT_ID") {
		t.Fatalf("expected EPIC_CLIENT_ID error, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	keyPath := writeKeyFile(t)
	t.Setenv("EPIC_CLIENT_ID", "client-123")
	t.Setenv("EPIC_PRIVATE_KEY_PATH", keyPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientID != "client-123" || cfg.PrivateKeyPath != keyPath {
		t.Errorf("unexpected identity settings %q %q", cfg.ClientID, cfg.PrivateKeyPath)
	}
	if cfg.TokenURL != "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token" {
		t.Errorf("unexpected token URL %s", cfg.TokenURL)
	}
	if cfg.FHIRBaseURL != "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4" {
		t.Errorf("unexpected base URL %s", cfg.FHIRBaseURL)
	}
	if cfg.TokenSafetyMargin != 60*time.Second {
		t.Errorf("expected 60s safety margin, got %s", cfg.TokenSafetyMargin)
	}
	if cfg.AssertionLifetime != 5*time.Minute {
		t.Errorf("expected 5m assertion lifetime, got %s", cfg.AssertionLifetime)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.MaxPages != 50 {
		t.Errorf("expected 50 max pages, got %d", cfg.MaxPages)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBaseDelay != 500*time.Millisecond || cfg.RetryMaxDelay != 10*time.Second {
		t.Errorf("unexpected retry settings %d %s %s", cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.RateLimitRPS != 0 || cfg.RateLimitBurst != 10 {
		t.Errorf("unexpected rate limit %v %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.HTTPRateLimitRPS != 20 || cfg.HTTPRateLimitBurst != 40 {
		t.Errorf("unexpected client rate limit %v %d", cfg.HTTPRateLimitRPS, cfg.HTTPRateLimitBurst)
	}
	if cfg.HTTPSessionRateLimitRPS != 10 || cfg.HTTPSessionRateLimitBurst != 20 {
		t.Errorf("unexpected session rate limit %v %d", cfg.HTTPSessionRateLimitRPS, cfg.HTTPSessionRateLimitBurst)
	}
	if cfg.Transport != TransportStdio {
		t.Errorf("expected stdio transport, got %s", cfg.Transport)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("expected 0.0.0.0:8000, got %s", cfg.Addr())
	}
	if cfg.ServerName != "epic-fhir-mcp" || cfg.ServerVersion != "0.1.0" {
		t.Errorf("unexpected server identity %s %s", cfg.ServerName, cfg.ServerVersion)
	}
	if cfg.LogLevel != "info" || cfg.IsDev() {
		t.Errorf("unexpected logging settings %s %s", cfg.LogLevel, cfg.Env)
	}
	if len(cfg.ScopeList()) != 0 {
		t.Errorf("expected no scopes, got %v", cfg.ScopeList())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EPIC_CLIENT_ID", "client-123")
	t.Setenv("EPIC_PRIVATE_KEY_PATH", writeKeyFile(t))
	t.Setenv("EPIC_SCOPES", "system/Patient.rs  system/Observation.rs")
	t.Setenv("TOKEN_SAFETY_MARGIN", "2m")
	t.Setenv("MAX_PAGES", "5")
	t.Setenv("MCP_TRANSPORT", "HTTP")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.ScopeList(); len(got) != 2 || got[1] != "system/Observation.rs" {
		t.Errorf("unexpected scopes %v", got)
	}
	if cfg.TokenSafetyMargin != 2*time.Minute {
		t.Errorf("expected 2m, got %s", cfg.TokenSafetyMargin)
	}
	if cfg.MaxPages != 5 {
		t.Errorf("expected 5, got %d", cfg.MaxPages)
	}
	if cfg.Transport != TransportHTTP || cfg.Port != "9090" {
		t.Errorf("unexpected transport %s:%s", cfg.Transport, cfg.Port)
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ClientID:          "client-123",
		PrivateKeyPath:    writeKeyFile(t),
		TokenURL:          "https://fhir.example.com/oauth2/token",
		FHIRBaseURL:       "https://fhir.example.com/api/FHIR/R4",
		TokenSafetyMargin: time.Minute,
		AssertionLifetime: 5 * time.Minute,
		HTTPTimeout:       30 * time.Second,
		MaxPages:          50,
		RetryMaxAttempts:  3,
		Transport:         TransportStdio,
		Port:              "8000",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = filepath.Join(t.TempDir(), "nope.pem") }, "EPIC_PRIVATE_KEY_PATH"},
		{"relative token url", func(c *Config) { c.TokenURL = "/oauth2/token" }, "EPIC_TOKEN_URL"},
		{"relative base url", func(c *Config) { c.FHIRBaseURL = "fhir.example.com/R4" }, "EPIC_FHIR_BASE_URL"},
		{"negative margin", func(c *Config) { c.TokenSafetyMargin = -time.Second }, "TOKEN_SAFETY_MARGIN"},
		{"zero max pages", func(c *Config) { c.MaxPages = 0 }, "MAX_PAGES"},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, "RETRY_MAX_ATTEMPTS"},
		{"unknown transport", func(c *Config) { c.Transport = "websocket" }, "MCP_TRANSPORT"},
		{"http without port", func(c *Config) { c.Transport = TransportHTTP; c.Port = "" }, "PORT"},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }, "rate limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
