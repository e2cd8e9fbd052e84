package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/braidhq/braid/internal/config"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath    string
		debug         bool
		withScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the braid server",
		Long: `Start the HTTP server: the SSE chat endpoint, approval decisions, the
WebSocket event feed, Prometheus metrics, and health checks.

The agent scheduler is a separate concern: run it in-process with
--scheduler for development, or as "braid scheduler run" invocations from
cron in production.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config (braid.yaml)
  braid serve

  # Start with a custom config and the scheduler loop in-process
  braid serve --config /etc/braid/production.yaml --scheduler`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, withScheduler)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default braid.yaml)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "Run the agent scheduler loop in-process")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug, withScheduler bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	a.logger.Info("starting braid",
		"version", version,
		"commit", commit,
		"addr", cfg.Server.Addr,
		"database", cfg.Database.Driver,
		"blob_backend", cfg.Blob.Backend,
		"scheduler", withScheduler,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		a.close(context.Background())
		return err
	}
	if withScheduler {
		if err := a.scheduler.Loop(ctx); err != nil {
			a.logger.Error("start scheduler loop", "error", err)
		}
	}

	// Log level follows the config file without a restart.
	if path := resolveConfigPath(configPath); path != "" {
		if err := config.Watch(ctx, path, a.logger, func(next *config.Config) {
			a.log.SetLevel(next.Logging.Level)
		}); err != nil {
			a.logger.Warn("config watch unavailable", "error", err)
		}
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received, draining")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "error", err)
	}
	if withScheduler {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Error("scheduler stop", "error", err)
		}
	}
	a.close(shutdownCtx)

	a.logger.Info("braid stopped")
	return nil
}
