// Package autonomous runs scheduled and triggered agent turns: one Execute
// call is one agent run, from budget precondition through trigger message,
// graph invocation, and result persistence. Every failure maps into the
// returned Outcome so callers (the scheduler, the trigger_agent runner)
// decide what to persist; the executor itself never panics and never lets an
// error escape as a Go error.
package autonomous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/braidhq/braid/internal/approval"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/retry"
	"github.com/braidhq/braid/internal/schedule"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

// Outcome is the match-ready result of one agent run.
type Outcome struct {
	Status      models.ExecutionStatus // completed | waiting_approval | failed
	ApprovalID  string
	Description string
	ErrMessage  string
}

// Executor runs one agent turn at a time. It is safe for concurrent use;
// per-agent serialization is the caller's job (the scheduler skips agents
// with a running execution).
type Executor struct {
	chat      *chat.Service
	stores    store.Set
	completer llm.Completer
	cfg       config.ChatConfig
	retry     retry.Policy
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time
}

// Options configures an Executor. Chat, Stores, and Completer are required.
type Options struct {
	Chat      *chat.Service
	Stores    store.Set
	Completer llm.Completer
	Config    config.ChatConfig
	Retry     retry.Policy
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Clock     func() time.Time
}

func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Executor{
		chat:      opts.Chat,
		stores:    opts.Stores,
		completer: opts.Completer,
		cfg:       opts.Config,
		retry:     opts.Retry,
		logger:    logger.With("component", "autonomous"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       now,
	}
}

// Execute runs one turn of agent on behalf of user. executionID is the
// already-created audit row; parentChain lists the agents that led here
// (empty for scheduled and manual runs). The returned Outcome is the only
// signal: completed runs have been fully persisted, waiting_approval runs
// have their marker message and execution status written, and failed runs
// carry the error text for the caller to record.
func (e *Executor) Execute(ctx context.Context, agent *models.Agent, user *models.User, trigger models.TriggerType, executionID string, parentChain []string) Outcome {
	started := e.now()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceAgentExecution(ctx, agent.ID, string(trigger))
		defer span.End()
	}

	if agent.ConversationID == "" {
		return e.failed(ctx, agent, trigger, started, errors.New("agent has no bound conversation"))
	}
	conv, err := e.stores.Conversations.Get(ctx, agent.ConversationID)
	if err != nil {
		return e.failed(ctx, agent, trigger, started, fmt.Errorf("load agent conversation: %w", err))
	}
	if err := e.checkBudget(ctx, agent); err != nil {
		return e.failed(ctx, agent, trigger, started, err)
	}

	// Best-effort: a failed compaction costs context length, not the run.
	e.maybeCompact(ctx, agent, conv)

	triggerMsg, err := e.writeTriggerMessage(ctx, conv, trigger)
	if err != nil {
		return e.failed(ctx, agent, trigger, started, err)
	}
	history, err := e.historyBefore(ctx, conv.ID, triggerMsg.ID)
	if err != nil {
		return e.failed(ctx, agent, trigger, started, err)
	}

	// The run context carries everything tools reach for ambiently. It is
	// derived per call, so it dies with this invocation on every exit path.
	runCtx := reqctx.WithRequestID(ctx, uuid.NewString())
	runCtx = reqctx.WithScope(runCtx, reqctx.Scope{ConversationID: conv.ID, UserID: user.ID})
	runCtx = reqctx.WithAgentRun(runCtx, &reqctx.AgentRun{
		Agent:        agent,
		User:         user,
		ExecutionID:  executionID,
		Trigger:      trigger,
		TriggerChain: appendChain(parentChain, agent.ID),
	})

	req := &chat.Request{
		Conversation: conv,
		User:         user,
		UserMessage:  triggerMsg,
		History:      history,
		Agent:        agent,
		Model:        agent.Model,
	}

	var run *chat.RunResult
	err = retry.Do(runCtx, e.retry, func() error {
		var runErr error
		run, runErr = e.chat.Run(runCtx, req, nil)
		return runErr
	})

	var approvalErr *fault.ApprovalRequiredError
	if errors.As(err, &approvalErr) {
		return e.waitForApproval(ctx, agent, conv, trigger, executionID, started, approvalErr)
	}
	if err != nil {
		return e.failed(ctx, agent, trigger, started, err)
	}

	if _, err := e.chat.Save(runCtx, req, run, chat.SaveOptions{Mode: models.CostModeAgent}); err != nil {
		return e.failed(ctx, agent, trigger, started, err)
	}
	e.advanceSchedule(ctx, agent)

	e.logger.InfoContext(ctx, "agent execution completed",
		"agent_id", agent.ID, "agent_name", agent.Name, "trigger", string(trigger))
	e.record(trigger, "completed", started)
	return Outcome{Status: models.ExecutionCompleted}
}

// checkBudget fails the run before any LLM call when today's spend already
// exceeds the agent's daily limit.
func (e *Executor) checkBudget(ctx context.Context, agent *models.Agent) error {
	if agent.BudgetLimitUSD == nil {
		return nil
	}
	dayStart := e.now().UTC().Truncate(24 * time.Hour)
	spent, err := e.stores.Costs.DailySpend(ctx, agent.ConversationID, dayStart)
	if err != nil {
		return fmt.Errorf("check daily spend: %w", err)
	}
	if spent > *agent.BudgetLimitUSD {
		return &fault.BudgetExceededError{AgentID: agent.ID, LimitUSD: *agent.BudgetLimitUSD, SpentUSD: spent}
	}
	return nil
}

func (e *Executor) writeTriggerMessage(ctx context.Context, conv *models.Conversation, trigger models.TriggerType) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        triggerText(trigger, e.now()),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.stores.Conversations.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("write trigger message: %w", err)
	}
	return msg, nil
}

func triggerText(trigger models.TriggerType, at time.Time) string {
	ts := at.UTC().Format(time.RFC3339)
	switch trigger {
	case models.TriggerManual:
		return fmt.Sprintf("[Manual trigger at %s]", ts)
	case models.TriggerAgentTrigger:
		return fmt.Sprintf("[Triggered by another agent at %s]", ts)
	default:
		return fmt.Sprintf("[Scheduled run at %s]", ts)
	}
}

// historyBefore loads the conversation excluding the just-written trigger
// message, which rides the request as the current user message instead.
func (e *Executor) historyBefore(ctx context.Context, conversationID, triggerID string) ([]*models.Message, error) {
	msgs, err := e.stores.Conversations.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == triggerID {
			continue
		}
		history = append(history, m)
	}
	return history, nil
}

// waitForApproval is the fast path out of a run the model paused itself:
// mark the execution waiting, leave the marker message the dashboard renders
// the approval card from, and report the pending id.
func (e *Executor) waitForApproval(ctx context.Context, agent *models.Agent, conv *models.Conversation, trigger models.TriggerType, executionID string, started time.Time, aerr *fault.ApprovalRequiredError) Outcome {
	if executionID != "" {
		if err := e.stores.Executions.Finish(ctx, executionID, models.ExecutionWaitingApproval, "", time.Time{}); err != nil {
			e.logger.ErrorContext(ctx, "mark execution waiting_approval",
				"execution_id", executionID, "error", err)
		}
	}
	marker := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        approval.Marker(aerr.ApprovalID, aerr.Description),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.stores.Conversations.AddMessage(ctx, marker); err != nil {
		e.logger.ErrorContext(ctx, "write approval marker",
			"conversation_id", conv.ID, "error", err)
	}
	e.logger.InfoContext(ctx, "agent execution waiting for approval",
		"agent_id", agent.ID, "approval_id", aerr.ApprovalID, "tool", aerr.ToolName)
	e.record(trigger, "waiting_approval", started)
	return Outcome{
		Status:      models.ExecutionWaitingApproval,
		ApprovalID:  aerr.ApprovalID,
		Description: aerr.Description,
	}
}

// advanceSchedule stamps the run times after a completed turn. Unscheduled
// agents only move last_run_at; schedule errors keep the previous next_run_at
// rather than wedging the agent.
func (e *Executor) advanceSchedule(ctx context.Context, agent *models.Agent) {
	now := e.now().UTC()
	next := agent.NextRunAt
	if agent.Schedule == "" {
		next = time.Time{}
	} else if computed, err := schedule.NextRun(agent.Schedule, agent.Timezone, now); err != nil {
		e.logger.ErrorContext(ctx, "compute next run",
			"agent_id", agent.ID, "schedule", agent.Schedule, "error", err)
	} else {
		next = computed
	}
	if err := e.stores.Agents.UpdateRunTimes(ctx, agent.ID, now, next); err != nil {
		e.logger.ErrorContext(ctx, "update agent run times", "agent_id", agent.ID, "error", err)
	}
}

func (e *Executor) failed(ctx context.Context, agent *models.Agent, trigger models.TriggerType, started time.Time, err error) Outcome {
	e.logger.ErrorContext(ctx, "agent execution failed",
		"agent_id", agent.ID, "agent_name", agent.Name, "trigger", string(trigger), "error", err)
	if e.tracer != nil {
		e.tracer.RecordError(trace.SpanFromContext(ctx), err)
	}
	e.record(trigger, "failed", started)
	return Outcome{Status: models.ExecutionFailed, ErrMessage: err.Error()}
}

func (e *Executor) record(trigger models.TriggerType, status string, started time.Time) {
	if e.metrics != nil {
		e.metrics.RecordAgentExecution(string(trigger), status, e.now().Sub(started).Seconds())
	}
}

func appendChain(parent []string, agentID string) []string {
	chain := make([]string, 0, len(parent)+1)
	chain = append(chain, parent...)
	return append(chain, agentID)
}
