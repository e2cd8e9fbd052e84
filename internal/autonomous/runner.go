package autonomous

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/pkg/models"
)

// Runner adapts the executor to the tools.AgentRunner seam: trigger_agent
// hands it a resolved target and the caller's trigger chain, and it runs a
// synchronous sub-execution with its own audit row. Sub-run failures come
// back as text for the calling model; only infrastructure faults return a
// Go error.
type Runner struct {
	executor *Executor
}

func NewRunner(executor *Executor) *Runner {
	return &Runner{executor: executor}
}

func (r *Runner) Run(ctx context.Context, target *models.Agent, parentChain []string) (string, error) {
	e := r.executor
	user, err := e.stores.Users.Get(ctx, target.UserID)
	if err != nil {
		return "", fmt.Errorf("resolve owner of agent %q: %w", target.Name, err)
	}

	exec := &models.AgentExecution{
		ID:        uuid.NewString(),
		AgentID:   target.ID,
		Trigger:   models.TriggerAgentTrigger,
		Status:    models.ExecutionRunning,
		StartedAt: e.now().UTC(),
	}
	if len(parentChain) > 0 {
		exec.TriggeredByAgent = parentChain[len(parentChain)-1]
	}
	inserted, err := e.stores.Executions.CreateIfNotRunning(ctx, exec)
	if err != nil {
		return "", fmt.Errorf("create execution for agent %q: %w", target.Name, err)
	}
	if !inserted {
		return fmt.Sprintf("agent %q is already running; not triggered", target.Name), nil
	}

	outcome := e.Execute(ctx, target, user, models.TriggerAgentTrigger, exec.ID, parentChain)
	switch outcome.Status {
	case models.ExecutionCompleted:
		r.finish(ctx, exec.ID, models.ExecutionCompleted, "")
		return fmt.Sprintf("agent %q completed its run", target.Name), nil
	case models.ExecutionWaitingApproval:
		// The executor already moved the row to waiting_approval.
		return fmt.Sprintf("agent %q paused waiting for user approval: %s", target.Name, outcome.Description), nil
	default:
		r.finish(ctx, exec.ID, models.ExecutionFailed, outcome.ErrMessage)
		return fmt.Sprintf("agent %q failed: %s", target.Name, outcome.ErrMessage), nil
	}
}

func (r *Runner) finish(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) {
	var finishedAt time.Time
	if status == models.ExecutionCompleted || status == models.ExecutionFailed {
		finishedAt = r.executor.now().UTC()
	}
	if err := r.executor.stores.Executions.Finish(ctx, executionID, status, errMsg, finishedAt); err != nil {
		r.executor.logger.ErrorContext(ctx, "finish sub-execution",
			"execution_id", executionID, "status", string(status), "error", err)
	}
}
