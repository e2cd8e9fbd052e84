// Package scheduler turns due agents into executions. One RunOnce call is
// one full pass over the stores: recover zombies, list due agents, and
// dispatch each through the autonomous executor with a fresh audit row. The
// pass holds no state between ticks, so it can run in-process on a ticker or
// as a one-shot CLI invocation against the same database.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/autonomous"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/schedule"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

const (
	defaultInterval   = time.Minute
	defaultStaleAfter = time.Hour
)

// Report tallies one scheduler pass.
type Report struct {
	Due      int
	Executed int
	Skipped  int
	Failed   int
	Waiting  int
	Zombies  int64
}

// Scheduler evaluates due agents and runs them serially through the
// executor. Per-agent exclusion lives in the store (CreateIfNotRunning), so
// multiple scheduler processes against one database stay safe.
type Scheduler struct {
	executor *autonomous.Executor
	stores   store.Set
	cfg      config.SchedulerConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// runMu serializes passes so a ticker pass and a manual RunOnce never
	// interleave.
	runMu sync.Mutex

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics attaches tick and execution instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(executor *autonomous.Executor, stores store.Set, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		executor: executor,
		stores:   stores,
		cfg:      cfg,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs one pass: fail stale executions, then run every due
// agent serially. Per-agent problems are counted and logged, never returned;
// the error covers only the pass-level queries.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.now().UTC()
	report := &Report{}

	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	zombies, err := s.stores.Executions.MarkStaleFailed(ctx, now.Add(-staleAfter))
	if err != nil {
		s.recordTick("error")
		return nil, fmt.Errorf("mark stale executions: %w", err)
	}
	report.Zombies = zombies
	if zombies > 0 {
		s.logger.WarnContext(ctx, "recovered zombie executions", "count", zombies)
	}

	due, err := s.stores.Agents.ListDue(ctx, now)
	if err != nil {
		s.recordTick("error")
		return nil, fmt.Errorf("list due agents: %w", err)
	}
	report.Due = len(due)

	for _, agent := range due {
		s.runAgent(ctx, agent, report)
	}

	s.recordTick("ok")
	if report.Due > 0 {
		s.logger.InfoContext(ctx, "scheduler pass finished",
			"due", report.Due, "executed", report.Executed, "skipped", report.Skipped,
			"failed", report.Failed, "waiting_approval", report.Waiting)
	}
	return report, nil
}

// runAgent dispatches one due agent and folds the result into the report.
func (s *Scheduler) runAgent(ctx context.Context, agent *models.Agent, report *Report) {
	pending, err := s.stores.Approvals.HasPending(ctx, agent.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "check pending approvals", "agent_id", agent.ID, "error", err)
		report.Failed++
		return
	}
	if pending {
		// The user has not decided yet; running now would race the decision.
		s.logger.DebugContext(ctx, "agent skipped: approval pending", "agent_id", agent.ID)
		report.Skipped++
		return
	}

	running, err := s.stores.Executions.HasRunning(ctx, agent.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "check running execution", "agent_id", agent.ID, "error", err)
		report.Failed++
		return
	}
	if running {
		s.logger.DebugContext(ctx, "agent skipped: already running", "agent_id", agent.ID)
		report.Skipped++
		return
	}

	user, err := s.stores.Users.Get(ctx, agent.UserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "agent owner missing", "agent_id", agent.ID, "user_id", agent.UserID, "error", err)
		report.Failed++
		return
	}

	exec := &models.AgentExecution{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Trigger:   models.TriggerScheduled,
		Status:    models.ExecutionRunning,
		StartedAt: s.now().UTC(),
	}
	inserted, err := s.stores.Executions.CreateIfNotRunning(ctx, exec)
	if err != nil {
		s.logger.ErrorContext(ctx, "create execution", "agent_id", agent.ID, "error", err)
		report.Failed++
		return
	}
	if !inserted {
		// Another scheduler process claimed the agent between the check and
		// the insert.
		report.Skipped++
		return
	}

	outcome := s.executor.Execute(ctx, agent, user, models.TriggerScheduled, exec.ID, nil)
	switch outcome.Status {
	case models.ExecutionCompleted:
		s.finish(ctx, exec.ID, models.ExecutionCompleted, "")
		report.Executed++
	case models.ExecutionWaitingApproval:
		// The executor already moved the row to waiting_approval.
		report.Waiting++
	default:
		s.finish(ctx, exec.ID, models.ExecutionFailed, outcome.ErrMessage)
		s.advanceAfterFailure(ctx, agent)
		report.Failed++
	}
}

// advanceAfterFailure moves next_run_at forward for a failed run. The
// executor only advances the schedule on success, and a due agent that stays
// due is re-selected every tick.
func (s *Scheduler) advanceAfterFailure(ctx context.Context, agent *models.Agent) {
	if agent.Schedule == "" {
		return
	}
	next, err := schedule.NextRun(agent.Schedule, agent.Timezone, s.now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "compute next run after failure",
			"agent_id", agent.ID, "schedule", agent.Schedule, "error", err)
		return
	}
	if err := s.stores.Agents.UpdateNextRun(ctx, agent.ID, next); err != nil {
		s.logger.ErrorContext(ctx, "advance next run after failure", "agent_id", agent.ID, "error", err)
	}
}

func (s *Scheduler) finish(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) {
	if err := s.stores.Executions.Finish(ctx, executionID, status, errMsg, s.now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "finish execution",
			"execution_id", executionID, "status", string(status), "error", err)
	}
}

// Loop runs RunOnce on the configured interval until the context is
// cancelled. Passes never overlap.
func (s *Scheduler) Loop(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.ErrorContext(ctx, "scheduler pass failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop waits for the loop goroutine to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) recordTick(status string) {
	if s.metrics != nil {
		s.metrics.RecordSchedulerTick(status)
	}
}
