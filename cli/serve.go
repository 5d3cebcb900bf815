package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/frappemcp/auth"
	"github.com/petal-labs/frappemcp/config"
	"github.com/petal-labs/frappemcp/docstore"
	"github.com/petal-labs/frappemcp/mcpserver"
	fmotel "github.com/petal-labs/frappemcp/otel"
	"github.com/petal-labs/frappemcp/server"
	"github.com/petal-labs/frappemcp/tool"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over MCP (streamable HTTP, or stdio with --stdio)",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().Bool("stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	cmd.Flags().String("as", "", "User the stdio session runs as (default: auth.default_user)")
	cmd.Flags().String("store", "", "Store backend: memory | sqlite | frappe (overrides store.backend)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (overrides store.sqlite.path)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides server.cors_origin)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, &cfg); err != nil {
		return err
	}

	logger := newLogger(cmd, cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tracer  trace.Tracer
		metrics server.MetricsSource
	)
	if cfg.Telemetry.Enabled {
		provider, err := fmotel.Setup(ctx, fmotel.Config{
			ServiceName:    "frappemcp",
			ServiceVersion: cmd.Root().Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			Headers:        cfg.Telemetry.Headers,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return exitError(exitValidation, "initializing telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		toolObserver, err := fmotel.NewToolObserver(provider.Meter("frappemcp/tool"), provider.Tracer("frappemcp/tool"))
		if err != nil {
			return fmt.Errorf("initializing tool observability: %w", err)
		}
		tool.SetObserver(toolObserver)
		defer tool.SetObserver(nil)
		tracer = provider.Tracer("frappemcp/http")
		metrics = provider
	}

	registry, store, err := buildRegistry(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	if stdio, _ := cmd.Flags().GetBool("stdio"); stdio {
		return serveStdio(ctx, cmd, cfg, registry, logger)
	}
	return serveHTTP(ctx, cmd, cfg, registry, store, logger, tracer, metrics)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if backend, _ := cmd.Flags().GetString("store"); backend != "" {
		cfg.Store.Backend = backend
	}
	if path, _ := cmd.Flags().GetString("sqlite-path"); path != "" {
		cfg.Store.SQLite.Path = path
	}
	if origin, _ := cmd.Flags().GetString("cors-origin"); origin != "" {
		cfg.Server.CORSOrigin = origin
	}
	if err := cfg.Validate(); err != nil {
		return exitError(exitValidation, "%v", err)
	}
	return nil
}

func serveStdio(ctx context.Context, cmd *cobra.Command, cfg config.Config, registry *tool.Registry, logger *slog.Logger) error {
	mcp, err := mcpserver.New(mcpserver.Config{
		Name:     "frappemcp",
		Version:  cmd.Root().Version,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating mcp server: %v", err)
	}
	if err := mcpserver.ServeStdio(ctx, mcp, resolveUser(cmd, cfg), cmd.InOrStdin(), cmd.OutOrStdout(), logger); err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	return nil
}

func serveHTTP(
	ctx context.Context,
	cmd *cobra.Command,
	cfg config.Config,
	registry *tool.Registry,
	store docstore.Store,
	logger *slog.Logger,
	tracer trace.Tracer,
	metrics server.MetricsSource,
) error {
	var authenticator *auth.Authenticator
	if !cfg.Auth.Disabled {
		a, err := auth.NewAuthenticator(auth.Config{
			Accounts:   cfg.Accounts(),
			AllowGuest: cfg.Auth.AllowGuest,
		})
		if err != nil {
			return exitError(exitValidation, "%v", err)
		}
		authenticator = a
		if len(cfg.Auth.Users) == 0 && !cfg.Auth.AllowGuest {
			logger.Warn("no API users configured and guest access is off; every MCP request will be rejected")
		}
	}

	srv, err := server.NewServer(server.ServerConfig{
		Registry:      registry,
		MCPPath:       cfg.Server.MCPPath,
		Authenticator: authenticator,
		DefaultUser:   cfg.DefaultSessionUser(),
		Name:          "frappemcp",
		Version:       cmd.Root().Version,
		CORSOrigin:    cfg.Server.CORSOrigin,
		MaxBody:       cfg.Server.MaxBody,
		Logger:        logger,
		Tracer:        tracer,
		Metrics:       metrics,
	})
	if err != nil {
		return exitError(exitRuntime, "creating server: %v", err)
	}

	if optimizer, ok := store.(server.Optimizer); ok && cfg.Store.Maintenance.Enabled {
		maintenance, err := server.NewMaintenance(server.MaintenanceConfig{
			Schedule: cfg.Store.Maintenance.Schedule,
			Target:   optimizer,
			Logger:   logger,
		})
		if err != nil {
			return exitError(exitValidation, "store.maintenance.schedule: %v", err)
		}
		maintenance.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = maintenance.Stop(stopCtx)
		}()
	}

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return exitError(exitRuntime, "listen on %s: %v", cfg.Server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "frappemcp listening on http://%s%s\n", listener.Addr(), srv.MCPPath())
	logger.Info("server started", "addr", listener.Addr().String(), "mcp_path", srv.MCPPath(), "store", cfg.Store.Backend)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
