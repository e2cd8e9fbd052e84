package chat

import (
	"context"
	"fmt"
	"strings"
)

// dashboardMaxAgents bounds the roster section so a user with hundreds of
// agents does not blow up the system prompt.
const dashboardMaxAgents = 50

// PlannerDashboard renders the user's scheduling state as the markdown block
// the planner system prompt embeds: the agent roster with run times and any
// approvals waiting on the user. It satisfies tools.DashboardSource, so
// refresh_planner_dashboard serves current data mid-conversation.
func (s *Service) PlannerDashboard(ctx context.Context, userID string) (string, error) {
	agents, _, err := s.stores.Agents.List(ctx, userID, dashboardMaxAgents, 0)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	pending, err := s.stores.Approvals.ListPending(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list pending approvals: %w", err)
	}

	var b strings.Builder
	b.WriteString("### Agents\n")
	if len(agents) == 0 {
		b.WriteString("No agents configured.\n")
	}
	for _, a := range agents {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		b.WriteString("- " + a.Name + " (" + state + ")")
		if a.Schedule != "" {
			b.WriteString(" schedule " + a.Schedule)
			if a.Timezone != "" {
				b.WriteString(" " + a.Timezone)
			}
		}
		if !a.NextRunAt.IsZero() {
			b.WriteString(" next " + a.NextRunAt.UTC().Format("2006-01-02 15:04"))
		}
		if a.LastRunAt.IsZero() {
			b.WriteString(", never run")
		} else {
			b.WriteString(", last " + a.LastRunAt.UTC().Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n### Pending approvals\n")
	if len(pending) == 0 {
		b.WriteString("None.\n")
	}
	for _, req := range pending {
		b.WriteString("- [" + req.ID + "] " + req.ToolName)
		if req.Description != "" {
			b.WriteString(": " + req.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
