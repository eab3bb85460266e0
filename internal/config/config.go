package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transports the server can run on.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

type Config struct {
	ClientID       string `mapstructure:"EPIC_CLIENT_ID"`
	PrivateKeyPath string `mapstructure:"EPIC_PRIVATE_KEY_PATH"`
	KeyID          string `mapstructure:"EPIC_KEY_ID"`
	JWKSPath       string `mapstructure:"EPIC_JWKS_PATH"`
	TokenURL       string `mapstructure:"EPIC_TOKEN_URL"`
	FHIRBaseURL    string `mapstructure:"EPIC_FHIR_BASE_URL"`
	Scopes         string `mapstructure:"EPIC_SCOPES"`

	TokenSafetyMargin time.Duration `mapstructure:"TOKEN_SAFETY_MARGIN"`
	AssertionLifetime time.Duration `mapstructure:"ASSERTION_LIFETIME"`
	HTTPTimeout       time.Duration `mapstructure:"HTTP_TIMEOUT"`
	MaxPages          int           `mapstructure:"MAX_PAGES"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	ServerName    string `mapstructure:"MCP_SERVER_NAME"`
	ServerVersion string `mapstructure:"MCP_SERVER_VERSION"`
	Transport     string `mapstructure:"MCP_TRANSPORT"`
	Host          string `mapstructure:"HOST"`
	Port          string `mapstructure:"PORT"`

	HTTPBodyLimit             string  `mapstructure:"MCP_HTTP_BODY_LIMIT"`
	HTTPRateLimitRPS          float64 `mapstructure:"MCP_HTTP_RATE_LIMIT_RPS"`
	HTTPRateLimitBurst        int     `mapstructure:"MCP_HTTP_RATE_LIMIT_BURST"`
	HTTPSessionRateLimitRPS   float64 `mapstructure:"MCP_HTTP_SESSION_RATE_LIMIT_RPS"`
	HTTPSessionRateLimitBurst int     `mapstructure:"MCP_HTTP_SESSION_RATE_LIMIT_BURST"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	Env      string `mapstructure:"ENV"`
}

var defaults = map[string]interface{}{
	"EPIC_PRIVATE_KEY_PATH":             "./private_key.pem",
	"EPIC_TOKEN_URL":                    "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
	"EPIC_FHIR_BASE_URL":                "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
	"TOKEN_SAFETY_MARGIN":               "60s",
	"ASSERTION_LIFETIME":                "5m",
	"HTTP_TIMEOUT":                      "30s",
	"MAX_PAGES":                         50,
	"RETRY_MAX_ATTEMPTS":                3,
	"RETRY_BASE_DELAY":                  "500ms",
	"RETRY_MAX_DELAY":                   "10s",
	"RATE_LIMIT_RPS":                    0,
	"RATE_LIMIT_BURST":                  10,
	"MCP_SERVER_NAME":                   "epic-fhir-mcp",
	"MCP_SERVER_VERSION":                "0.1.0",
	"MCP_TRANSPORT":                     TransportStdio,
	"HOST":                              "0.0.0.0",
	"PORT":                              "8000",
	"MCP_HTTP_BODY_LIMIT":               "1M",
	"MCP_HTTP_RATE_LIMIT_RPS":           20,
	"MCP_HTTP_RATE_LIMIT_BURST":         40,
	"MCP_HTTP_SESSION_RATE_LIMIT_RPS":   10,
	"MCP_HTTP_SESSION_RATE_LIMIT_BURST": 20,
	"LOG_LEVEL":                         "info",
	"ENV":                               "production",
}

// Keys without a default that must still be bound for Unmarshal.
var unsetKeys = []string{"EPIC_CLIENT_ID", "EPIC_KEY_ID", "EPIC_JWKS_PATH", "EPIC_SCOPES"}

// Load reads configuration from the environment and an optional .env file in
// the working directory, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	for _, key := range unsetKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ScopeList splits EPIC_SCOPES on whitespace.
func (c *Config) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// Addr is the HTTP transport listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Validate checks that the configuration can reach Epic and serve MCP.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("EPIC_CLIENT_ID is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("EPIC_PRIVATE_KEY_PATH is required")
	}
	f, err := os.Open(c.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("EPIC_PRIVATE_KEY_PATH is not readable: %w", err)
	}
	f.Close()

	if err := absoluteURL("EPIC_TOKEN_URL", c.TokenURL); err != nil {
		return err
	}
	if err := absoluteURL("EPIC_FHIR_BASE_URL", c.FHIRBaseURL); err != nil {
		return err
	}

	if c.TokenSafetyMargin < 0 {
		return fmt.Errorf("TOKEN_SAFETY_MARGIN must not be negative, got %s", c.TokenSafetyMargin)
	}
	if c.AssertionLifetime <= 0 {
		return fmt.Errorf("ASSERTION_LIFETIME must be positive, got %s", c.AssertionLifetime)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.MaxPages < 1 {
		return fmt.Errorf("MAX_PAGES must be at least 1, got %d", c.MaxPages)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY and RETRY_MAX_DELAY must not be negative")
	}
	if c.RateLimitRPS < 0 || c.HTTPRateLimitRPS < 0 || c.HTTPSessionRateLimitRPS < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	return c.ValidateTransport()
}

// ValidateTransport checks the transport settings. It is re-run after CLI
// flags override them.
func (c *Config) ValidateTransport() error {
	if !slices.Contains([]string{TransportStdio, TransportHTTP}, c.Transport) {
		return fmt.Errorf("MCP_TRANSPORT must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport)
	}
	if c.Transport == TransportHTTP && c.Port == "" {
		return fmt.Errorf("PORT is required for the http transport")
	}
	return nil
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}
