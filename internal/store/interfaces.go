package store

import (
	"context"
	"errors"
	"time"

	"github.com/braidhq/braid/pkg/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyDecided = errors.New("approval already decided")
)

// staleErrorMessage is written to executions failed by zombie recovery.
const staleErrorMessage = "execution marked stale"

// UserStore persists user accounts. Accounts are created on first sign-in
// and never deleted.
type UserStore interface {
	// FindOrCreate returns the user with the given email, creating the
	// account when none exists. Lookup is case-insensitive.
	FindOrCreate(ctx context.Context, email, name string) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	// GetOwned returns ErrNotFound when the conversation does not exist OR
	// belongs to a different user, so handlers cannot leak existence.
	GetOwned(ctx context.Context, id, userID string) (*models.Conversation, error)
	// GetOrCreatePlanner returns the user's singleton planner conversation,
	// creating it on first use.
	GetOrCreatePlanner(ctx context.Context, userID, model string) (*models.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error)
	SetTitle(ctx context.Context, id, title string) error
	// Delete removes the conversation and its messages. Cost rows are kept.
	Delete(ctx context.Context, id string) error

	// AddMessage appends a message and bumps the conversation's updated_at
	// in the same transaction.
	AddMessage(ctx context.Context, msg *models.Message) error
	// Messages returns the full history ordered by created_at, id.
	Messages(ctx context.Context, conversationID string) ([]*models.Message, error)
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	// ClearMessages wipes the history but keeps the conversation row.
	ClearMessages(ctx context.Context, conversationID string) error
	// CompactMessages atomically removes the listed messages and inserts a
	// synthetic summary in their place.
	CompactMessages(ctx context.Context, conversationID string, removeIDs []string, summary *models.Message) error
}

// AgentStore persists autonomous agent definitions.
type AgentStore interface {
	// Create rejects a second agent with the same name for the same user.
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	GetOwned(ctx context.Context, id, userID string) (*models.Agent, error)
	GetByName(ctx context.Context, userID, name string) (*models.Agent, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error)
	// ListDue returns enabled agents whose next_run_at is at or before now,
	// soonest first.
	ListDue(ctx context.Context, now time.Time) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error
	UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// ExecutionStore persists agent execution audit rows.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.AgentExecution) error
	// CreateIfNotRunning inserts the execution only when the agent has no
	// other execution in running status, and reports whether it inserted.
	CreateIfNotRunning(ctx context.Context, exec *models.AgentExecution) (bool, error)
	Get(ctx context.Context, id string) (*models.AgentExecution, error)
	HasRunning(ctx context.Context, agentID string) (bool, error)
	// LatestWaiting returns the most recent waiting_approval execution for
	// the agent.
	LatestWaiting(ctx context.Context, agentID string) (*models.AgentExecution, error)
	Finish(ctx context.Context, id string, status models.ExecutionStatus, errMsg string, finishedAt time.Time) error
	// MarkStaleFailed fails every execution stuck in running or
	// waiting_approval since before olderThan and returns the count.
	MarkStaleFailed(ctx context.Context, olderThan time.Time) (int64, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.AgentExecution, error)
}

// ApprovalStore persists approval requests raised by autonomous agents.
type ApprovalStore interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	HasPending(ctx context.Context, agentID string) (bool, error)
	ListPending(ctx context.Context, userID string) ([]*models.ApprovalRequest, error)
	// Decide moves a pending request to approved or rejected. A request
	// that already has a terminal status returns ErrAlreadyDecided.
	Decide(ctx context.Context, id string, status models.ApprovalStatus, decidedAt time.Time) error
}

// CostStore records per-message LLM spend. Rows are append-only and survive
// conversation deletion.
type CostStore interface {
	Create(ctx context.Context, cost *models.MessageCost) error
	// DailySpend sums cost_usd + image_cost_usd for the conversation since
	// the given instant.
	DailySpend(ctx context.Context, conversationID string, since time.Time) (float64, error)
}

// MemoryStore persists long-term user memory entries, mutated only through
// the manage_memory tool.
type MemoryStore interface {
	Add(ctx context.Context, entry *models.MemoryEntry) error
	Update(ctx context.Context, entry *models.MemoryEntry) error
	Delete(ctx context.Context, userID, id string) error
	List(ctx context.Context, userID string) ([]*models.MemoryEntry, error)
}

// Set groups the persistence dependencies handed to services.
type Set struct {
	Users         UserStore
	Conversations ConversationStore
	Agents        AgentStore
	Executions    ExecutionStore
	Approvals     ApprovalStore
	Costs         CostStore
	Memories      MemoryStore

	closer func() error
}

// Close closes any underlying resources.
func (s Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
