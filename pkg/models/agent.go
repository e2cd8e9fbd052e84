package models

import "time"

// TriggerType says what started an agent execution.
type TriggerType string

const (
	TriggerScheduled    TriggerType = "scheduled"
	TriggerManual       TriggerType = "manual"
	TriggerAgentTrigger TriggerType = "agent_trigger"
)

// ExecutionStatus is the persisted lifecycle state of one agent run.
type ExecutionStatus string

const (
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
)

// Agent is a named autonomous conversational unit owned by a user.
//
// An agent owns exactly one conversation for its life; deleting the agent
// deletes the conversation. An agent with no schedule runs only on manual
// or agent-to-agent trigger.
type Agent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	SystemPrompt   string    `json:"system_prompt"`
	Schedule       string    `json:"schedule,omitempty"` // five-field cron, empty = unscheduled
	Timezone       string    `json:"timezone,omitempty"` // IANA name, default UTC
	Model          string    `json:"model"`
	Enabled        bool      `json:"enabled"`
	// ToolPermissions is the optional allow-list. nil means no restriction;
	// an empty non-nil list blocks everything outside the always-safe set.
	ToolPermissions []string  `json:"tool_permissions,omitempty"`
	BudgetLimitUSD  *float64  `json:"budget_limit_usd,omitempty"` // daily, nil = unlimited
	ConversationID  string    `json:"conversation_id"`
	NextRunAt       time.Time `json:"next_run_at,omitempty"` // naive UTC
	LastRunAt       time.Time `json:"last_run_at,omitempty"` // naive UTC
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasAllowList reports whether the agent restricts tools to an allow-list.
func (a *Agent) HasAllowList() bool {
	return a != nil && a.ToolPermissions != nil
}

// AgentExecution is the audit row for a single agent run.
type AgentExecution struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	Trigger          TriggerType     `json:"trigger"`
	TriggeredByAgent string          `json:"triggered_by_agent_id,omitempty"`
	Status           ExecutionStatus `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}
