// Package server runs the MCP server over stdio or streamable HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/fhir-mcp/internal/config"
	"github.com/ehr/fhir-mcp/internal/platform/middleware"
)

// DefaultShutdownTimeout bounds graceful shutdown of the HTTP transport.
const DefaultShutdownTimeout = 10 * time.Second

// MCPPath is where the streamable HTTP transport is mounted.
const MCPPath = "/mcp"

// Registrar adds tools to an MCP server.
type Registrar interface {
	Register(s *mcpserver.MCPServer)
}

type Options struct {
	Name    string
	Version string
	// Transport is config.TransportStdio or config.TransportHTTP.
	Transport string
	// Addr is the HTTP listen address.
	Addr            string
	BodyLimit       string
	RateLimit       middleware.RateLimitConfig
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Server owns the MCP server and the selected transport.
type Server struct {
	mcp    *mcpserver.MCPServer
	opts   Options
	logger zerolog.Logger
}

// New creates the MCP server and registers every Registrar's tools on it.
func New(opts Options, registrars ...Registrar) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "1M"
	}

	s := mcpserver.NewMCPServer(opts.Name, opts.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	for _, r := range registrars {
		r.Register(s)
	}

	return &Server{
		mcp:    s,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "server").Logger(),
	}
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// Run serves the configured transport until ctx is canceled.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	switch s.opts.Transport {
	case config.TransportStdio:
		return s.ServeStdio(ctx, stdin, stdout)
	case config.TransportHTTP:
		return s.ServeHTTP(ctx)
	default:
		return fmt.Errorf("unknown transport %q", s.opts.Transport)
	}
}

// ServeStdio speaks MCP over newline-delimited JSON-RPC on in and out.
// Cancellation of ctx is a clean shutdown.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(s.logger, "", 0))

	s.logger.Info().Str("transport", config.TransportStdio).Msg("starting MCP server")
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	s.logger.Info().Msg("MCP server stopped")
	return nil
}

// Handler builds the HTTP router: the MCP endpoint plus health and metrics.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"name":    s.opts.Name,
			"version": s.opts.Version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	streamable := mcpserver.NewStreamableHTTPServer(s.mcp)
	e.Match([]string{http.MethodGet, http.MethodPost, http.MethodDelete}, MCPPath,
		echo.WrapHandler(streamable),
		middleware.SecurityHeaders(),
		middleware.RateLimit(s.opts.RateLimit),
		middleware.BodyLimit(s.opts.BodyLimit),
	)

	return e
}

// ServeHTTP listens on Options.Addr until ctx is canceled, then shuts down
// gracefully within Options.ShutdownTimeout.
func (s *Server) ServeHTTP(ctx context.Context) error {
	e := s.Handler()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("transport", config.TransportHTTP).Str("addr", s.opts.Addr).Msg("starting MCP server")
		if err := e.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http transport: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down MCP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http transport shutdown: %w", err)
	}
	s.logger.Info().Msg("MCP server stopped")
	return nil
}
