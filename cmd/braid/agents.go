package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/braidhq/braid/internal/store"
)

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect autonomous agents",
	}
	cmd.AddCommand(buildAgentsListCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var (
		configPath string
		userEmail  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's agents",
		Example: `  braid agents list --user ada@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd, configPath, userEmail, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default braid.yaml)")
	cmd.Flags().StringVarP(&userEmail, "user", "u", "", "Owner email (required)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum agents to list")
	cobra.CheckErr(cmd.MarkFlagRequired("user"))
	return cmd
}

func runAgentsList(cmd *cobra.Command, configPath, userEmail string, limit int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	ctx := cmd.Context()
	user, err := stores.Users.GetByEmail(ctx, userEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no user with email %q", userEmail)
		}
		return fmt.Errorf("look up user: %w", err)
	}

	agents, total, err := stores.Agents.List(ctx, user.ID, limit, 0)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tTZ\tNEXT RUN\tLAST RUN")
	for _, a := range agents {
		schedule := a.Schedule
		if schedule == "" {
			schedule = "-"
		}
		tz := a.Timezone
		if tz == "" {
			tz = "UTC"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			a.ID, a.Name, a.Enabled, schedule, tz, formatRunTime(a.NextRunAt), formatRunTime(a.LastRunAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(agents) {
		fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d agents shown)\n", len(agents), total)
	}
	return nil
}

func formatRunTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
