package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ehr/fhir-mcp/internal/config"
	"github.com/ehr/fhir-mcp/internal/platform/auth"
	"github.com/ehr/fhir-mcp/internal/platform/fhir"
	"github.com/ehr/fhir-mcp/internal/platform/keys"
	"github.com/ehr/fhir-mcp/internal/platform/middleware"
	"github.com/ehr/fhir-mcp/internal/platform/retry"
	"github.com/ehr/fhir-mcp/internal/server"
	"github.com/ehr/fhir-mcp/internal/tools"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fhir-mcp",
		Short:        "MCP server for Epic FHIR R4 backend services",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

type serveFlags struct {
	transport string
	host      string
	port      string
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.transport, "transport", "", "transport to serve: stdio or http (overrides MCP_TRANSPORT)")
	cmd.Flags().StringVar(&flags.host, "host", "", "HTTP listen host (overrides HOST)")
	cmd.Flags().StringVar(&flags.port, "port", "", "HTTP listen port (overrides PORT)")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the backend service signing key",
	}

	var opts keys.GenerateOptions
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA key pair and the JWKS to register with Epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := keys.Generate(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", files.PrivateKey)
			fmt.Fprintf(out, "Public key:  %s\n", files.PublicKey)
			fmt.Fprintf(out, "JWKS:        %s\n", files.JWKS)
			fmt.Fprintf(out, "Key ID:      %s\n", files.KeyID)
			fmt.Fprintln(out, "Publish the JWKS (or upload the public key) in the Epic app registration, then set EPIC_PRIVATE_KEY_PATH and EPIC_KEY_ID.")
			return nil
		},
	}
	generateCmd.Flags().StringVar(&opts.Dir, "dir", ".", "directory to write the key files to")
	generateCmd.Flags().StringVar(&opts.KeyID, "kid", "", "key id (defaults to the RFC 7638 thumbprint)")
	generateCmd.Flags().IntVar(&opts.Bits, "bits", keys.MinRSABits, "RSA key size in bits")
	generateCmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite existing key files")

	scopesCmd := &cobra.Command{
		Use:   "scopes",
		Short: "Print the system scopes the MCP tools need, for EPIC_SCOPES and the app registration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(auth.SystemScopes(tools.ResourceTypes()...), " "))
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(scopesCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runServer(ctx context.Context, cmd *cobra.Command, flags serveFlags) error {
	// Logs go to stderr; stdout carries the stdio transport.
	logger := newLogger(os.Stderr, os.Getenv("ENV"), "info")

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	if flags.transport != "" {
		cfg.Transport = flags.transport
	}
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.port != "" {
		cfg.Port = flags.port
	}
	if err := cfg.ValidateTransport(); err != nil {
		return err
	}
	logger = newLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	srv, err := buildServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	return srv.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}

// buildServer wires key material, token manager, resource client and tools.
func buildServer(cfg *config.Config, logger zerolog.Logger) (*server.Server, error) {
	identity, err := keys.LoadIdentity(keys.Source{
		ClientID:       cfg.ClientID,
		PrivateKeyPath: cfg.PrivateKeyPath,
		KeyID:          cfg.KeyID,
		JWKSPath:       cfg.JWKSPath,
	})
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	alg, _ := identity.Algorithm()
	logger.Info().
		Str("client_id", identity.ClientID).
		Str("kid", identity.KeyID).
		Str("alg", alg).
		Msg("loaded signing key")

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay

	httpClient := &http.Client{}

	tokens, err := auth.NewTokenManager(identity, cfg.TokenURL, auth.Options{
		Scopes:            cfg.ScopeList(),
		HTTPClient:        httpClient,
		Timeout:           cfg.HTTPTimeout,
		SafetyMargin:      cfg.TokenSafetyMargin,
		AssertionLifetime: cfg.AssertionLifetime,
		Retry:             policy,
		Logger:            &logger,
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(cfg.RateLimitBurst, 1))
	}

	client, err := fhir.NewClient(cfg.FHIRBaseURL, tokens, fhir.Options{
		HTTPClient: httpClient,
		Timeout:    cfg.HTTPTimeout,
		MaxPages:   cfg.MaxPages,
		Retry:      policy,
		Limiter:    limiter,
		Logger:     &logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("token_url", cfg.TokenURL).
		Str("fhir_base_url", client.BaseURL()).
		Msg("configured Epic endpoints")

	return server.New(server.Options{
		Name:      cfg.ServerName,
		Version:   cfg.ServerVersion,
		Transport: cfg.Transport,
		Addr:      cfg.Addr(),
		BodyLimit: cfg.HTTPBodyLimit,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond:        cfg.HTTPRateLimitRPS,
			BurstSize:                cfg.HTTPRateLimitBurst,
			SessionRequestsPerSecond: cfg.HTTPSessionRateLimitRPS,
			SessionBurstSize:         cfg.HTTPSessionRateLimitBurst,
		},
		Logger: logger,
	}, tools.New(client, logger)), nil
}

func newLogger(w io.Writer, env, level string) zerolog.Logger {
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}
