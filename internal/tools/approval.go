package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/pkg/models"
)

// ApprovalCreator is the slice of the approval store this tool needs.
type ApprovalCreator interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
}

// RequestApprovalTool pauses an autonomous agent until the user decides.
//
// Unlike every other tool, its success path is a Go error: after persisting
// the pending request it returns fault.ApprovalRequiredError, which aborts
// the graph run. The executor turns that into the waiting_approval outcome
// and the marker message. Execute never produces a non-error Result.
type RequestApprovalTool struct {
	approvals ApprovalCreator
	now       func() time.Time
}

func NewRequestApprovalTool(approvals ApprovalCreator) *RequestApprovalTool {
	return &RequestApprovalTool{approvals: approvals, now: time.Now}
}

func (t *RequestApprovalTool) Name() string { return NameRequestApproval }

func (t *RequestApprovalTool) Description() string {
	return "Request user approval before taking a sensitive or costly action. The run pauses until the user approves or rejects; describe the intended action precisely."
}

func (t *RequestApprovalTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "What you intend to do and why it needs approval",
			},
			"tool_name": map[string]any{
				"type":        "string",
				"description": "Name of the tool you plan to run once approved",
			},
			"tool_args": map[string]any{
				"type":        "object",
				"description": "Arguments you plan to pass to that tool",
			},
		},
		"required": []any{"description"},
	})
}

func (t *RequestApprovalTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Description string          `json:"description"`
		ToolName    string          `json:"tool_name"`
		ToolArgs    json.RawMessage `json:"tool_args"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.Description == "" {
		return Errorf("description parameter is required"), nil
	}

	run := reqctx.AgentRunFrom(ctx)
	if run == nil || run.Agent == nil {
		return Errorf("approval requests require an autonomous agent context"), nil
	}

	req := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		AgentID:     run.Agent.ID,
		UserID:      run.Agent.UserID,
		ToolName:    p.ToolName,
		ToolArgs:    p.ToolArgs,
		Description: p.Description,
		Status:      models.ApprovalPending,
		CreatedAt:   t.now().UTC(),
	}
	if err := t.approvals.Create(ctx, req); err != nil {
		return Errorf("persist approval request: %v", err), nil
	}

	return nil, &fault.ApprovalRequiredError{
		ApprovalID:  req.ID,
		Description: p.Description,
		ToolName:    p.ToolName,
	}
}
