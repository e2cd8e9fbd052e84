package models

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a persisted pending user decision raised by an
// autonomous agent before a sensitive action. The terminal state is set by
// user action; resuming the agent afterwards is a separate run.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	UserID      string          `json:"user_id"`
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args,omitempty"`
	Description string          `json:"description"`
	Status      ApprovalStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DecidedAt   time.Time       `json:"decided_at,omitempty"`
}
