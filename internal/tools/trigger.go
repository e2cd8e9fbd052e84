package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

// AgentResolver is the slice of the agent store triggering needs.
type AgentResolver interface {
	GetByName(ctx context.Context, userID, name string) (*models.Agent, error)
}

// AgentRunner runs one synchronous sub-execution of target and reports the
// outcome as text for the calling model. parentChain is the trigger chain
// as seen by the caller; the runner extends it with the target's id.
// Sub-execution failures come back as text, not as a Go error; the error
// return is for infrastructure faults only.
type AgentRunner interface {
	Run(ctx context.Context, target *models.Agent, parentChain []string) (string, error)
}

// TriggerAgentTool lets one agent start another owned by the same user.
type TriggerAgentTool struct {
	agents AgentResolver
	runner AgentRunner
}

func NewTriggerAgentTool(agents AgentResolver, runner AgentRunner) *TriggerAgentTool {
	return &TriggerAgentTool{agents: agents, runner: runner}
}

func (t *TriggerAgentTool) Name() string { return NameTriggerAgent }

func (t *TriggerAgentTool) Description() string {
	return "Trigger another of the user's agents by name and wait for its run to finish. Use when a task belongs to a more specialized agent."
}

func (t *TriggerAgentTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_name": map[string]any{
				"type":        "string",
				"description": "Name of the agent to trigger",
			},
		},
		"required": []any{"agent_name"},
	})
}

func (t *TriggerAgentTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		AgentName string `json:"agent_name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.AgentName == "" {
		return Errorf("agent_name parameter is required"), nil
	}

	// Triggering works from autonomous runs and interactive chat alike; the
	// ambient run supplies the chain in the former, the scope supplies the
	// owner in the latter.
	run := reqctx.AgentRunFrom(ctx)
	var userID string
	var chain []string
	switch {
	case run != nil && run.Agent != nil:
		userID = run.Agent.UserID
		chain = run.TriggerChain
	default:
		scope, ok := reqctx.ScopeFrom(ctx)
		if !ok {
			return Errorf("agent triggering requires a conversation scope"), nil
		}
		userID = scope.UserID
	}

	target, err := t.agents.GetByName(ctx, userID, p.AgentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Errorf("agent not found: %s", p.AgentName), nil
		}
		return Errorf("resolve agent %q: %v", p.AgentName, err), nil
	}
	if !target.Enabled {
		return Errorf("agent %q is disabled", p.AgentName), nil
	}
	if run.InChain(target.ID) {
		return Errorf("triggering %q would create circular dependency", p.AgentName), nil
	}

	status, err := t.runner.Run(ctx, target, chain)
	if err != nil {
		return Errorf("trigger agent %q: %v", p.AgentName, err), nil
	}
	return &Result{Content: status}, nil
}
