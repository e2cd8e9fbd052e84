// Package main is the braid CLI.
//
// Braid serves two execution modes from one binary: interactive chat over
// SSE/WebSocket and autonomous cron-scheduled agents.
//
// # Basic Usage
//
// Start the server:
//
//	braid serve --config braid.yaml
//
// Run one scheduler pass (crontab-friendly) or keep it looping:
//
//	braid scheduler run
//	braid scheduler run --loop
//
// Inspect a user's agents:
//
//	braid agents list --user ada@example.com
//
// # Environment Variables
//
//   - BRAID_CONFIG: path to the configuration file (default: braid.yaml)
//
// Provider credentials normally arrive through the config file, which
// expands ${ENV_VAR} references on load.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/braidhq/braid/internal/config"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "braid.yaml"

func main() {
	// JSON logs from the first line; serve replaces this with the
	// configured logger once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "braid",
		Short: "Braid - multi-tenant conversational AI service",
		Long: `Braid serves interactive chat (SSE/WebSocket streaming with tool use) and
autonomous scheduled agents (cron triggers, approvals, budgets) from one
process, backed by Postgres and any of the Anthropic, OpenAI, Gemini, or
Bedrock APIs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSchedulerCmd(),
		buildAgentsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "braid %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath picks the configuration file for a command: the --config
// flag, then $BRAID_CONFIG, then braid.yaml if present. Empty means run on
// built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("BRAID_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// loadConfig loads the resolved path, or the built-in defaults when there is
// no file to load.
func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
