package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func buildSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the autonomous agent scheduler",
	}
	cmd.AddCommand(buildSchedulerRunCmd())
	return cmd
}

func buildSchedulerRunCmd() *cobra.Command {
	var (
		configPath string
		loop       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one scheduler pass, or keep passing with --loop",
		Long: `Execute one scheduler pass: recover zombie executions, find due agents,
and run each in turn. A single pass suits a crontab entry; --loop keeps
passing on the configured interval until interrupted.`,
		Example: `  # One pass, crontab-friendly
  braid scheduler run

  # Keep running every scheduler.interval
  braid scheduler run --loop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd, configPath, loop)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default braid.yaml)")
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep running passes on the configured interval")
	return cmd
}

func runScheduler(cmd *cobra.Command, configPath string, loop bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if !loop {
		report, err := a.scheduler.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("scheduler pass: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pass complete: due=%d executed=%d skipped=%d failed=%d waiting=%d zombies=%d\n",
			report.Due, report.Executed, report.Skipped, report.Failed, report.Waiting, report.Zombies)
		return nil
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("scheduler loop starting", "interval", cfg.Scheduler.Interval)
	if err := a.scheduler.Loop(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.scheduler.Stop(context.Background())
}
