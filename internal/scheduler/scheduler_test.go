package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/autonomous"
	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/graph"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/retry"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

var testBase = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// steppingClock advances a microsecond per call so rows written during one
// test sort in insertion order.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	var n int64
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return testBase.Add(time.Duration(n) * time.Microsecond)
	}
}

type scriptTurn struct {
	text      string
	toolCalls []models.ToolCall
	err       error
	input     int64
	output    int64
}

type scriptedCompleter struct {
	mu    sync.Mutex
	turns []scriptTurn
	calls int
}

func (c *scriptedCompleter) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.turns) == 0 {
		return nil, errors.New("script exhausted")
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan *llm.Chunk, len(turn.toolCalls)+2)
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- &llm.Chunk{Text: turn.text}
		}
		for i := range turn.toolCalls {
			ch <- &llm.Chunk{ToolCall: &turn.toolCalls[i]}
		}
		ch <- &llm.Chunk{Done: true, InputTokens: turn.input, OutputTokens: turn.output}
	}()
	return ch, nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	scheduler *Scheduler
	stores    store.Set
	completer *scriptedCompleter
	registry  *tools.Registry
}

func newFixture(t *testing.T, cfg config.SchedulerConfig, turns ...scriptTurn) *fixture {
	t.Helper()
	completer := &scriptedCompleter{turns: turns}
	registry := tools.NewRegistry()
	stores := store.NewMemoryStores()
	buffer := toolbuf.New(time.Minute, time.Minute)
	t.Cleanup(func() { buffer.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := steppingClock()
	g := graph.New(completer, registry, graph.Config{},
		graph.WithLogger(logger),
		graph.WithRetryPolicy(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		graph.WithClock(clk),
	)
	chatCfg := config.ChatConfig{DefaultModel: "claude-sonnet-4-5"}
	svc := chat.NewService(chat.Options{
		Graph:     g,
		Stores:    stores,
		Blobs:     blob.NewMemoryStore(),
		Buffer:    buffer,
		Completer: completer,
		Config:    chatCfg,
		Logger:    logger,
		Clock:     clk,
	})
	executor := autonomous.New(autonomous.Options{
		Chat:      svc,
		Stores:    stores,
		Completer: completer,
		Config:    chatCfg,
		Retry:     retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:    logger,
		Clock:     clk,
	})
	sched := New(executor, stores, cfg, WithLogger(logger), WithClock(clk))
	return &fixture{scheduler: sched, stores: stores, completer: completer, registry: registry}
}

// seedDueAgent creates a user, a bound conversation, and an agent whose
// next_run_at is already in the past.
func (f *fixture) seedDueAgent(t *testing.T, mutate func(*models.Agent)) (*models.Agent, *models.User) {
	t.Helper()
	ctx := context.Background()
	user, err := f.stores.Users.FindOrCreate(ctx, "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	conv := &models.Conversation{
		ID:        "conv-agent",
		UserID:    user.ID,
		Title:     "Agent: reporter",
		IsAgent:   true,
		CreatedAt: testBase,
	}
	if err := f.stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	agent := &models.Agent{
		ID:             "agent-1",
		UserID:         user.ID,
		Name:           "reporter",
		SystemPrompt:   "Compile the morning report.",
		Schedule:       "0 9 * * *",
		Timezone:       "UTC",
		Model:          "claude-sonnet-4-5",
		Enabled:        true,
		ConversationID: conv.ID,
		NextRunAt:      testBase.Add(-time.Minute),
		CreatedAt:      testBase,
	}
	if mutate != nil {
		mutate(agent)
	}
	if err := f.stores.Agents.Create(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent, user
}

func (f *fixture) executions(t *testing.T, agentID string) []*models.AgentExecution {
	t.Helper()
	execs, err := f.stores.Executions.ListByAgent(context.Background(), agentID, 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	return execs
}

func TestRunOnceExecutesDueAgent(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{},
		scriptTurn{text: "Report compiled.", input: 10, output: 5},
	)
	agent, _ := fx.seedDueAgent(t, nil)

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Due != 1 || report.Executed != 1 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	execs := fx.executions(t, agent.ID)
	if len(execs) != 1 {
		t.Fatalf("executions = %+v", execs)
	}
	row := execs[0]
	if row.Status != models.ExecutionCompleted || row.Trigger != models.TriggerScheduled {
		t.Fatalf("execution row = %+v", row)
	}
	if row.FinishedAt.IsZero() {
		t.Fatalf("execution not finished: %+v", row)
	}

	got, err := fx.stores.Agents.Get(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	wantNext := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, wantNext)
	}

	msgs, err := fx.stores.Conversations.Messages(context.Background(), agent.ConversationID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %v err=%v, want trigger + assistant", msgs, err)
	}
}

func TestRunOnceSkipsAgentWithPendingApproval(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{})
	agent, user := fx.seedDueAgent(t, nil)

	if err := fx.stores.Approvals.Create(context.Background(), &models.ApprovalRequest{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		UserID:      user.ID,
		ToolName:    "send_email",
		Description: "Send the weekly summary email",
		Status:      models.ApprovalPending,
		CreatedAt:   testBase.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed approval: %v", err)
	}

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Due != 1 || report.Skipped != 1 || report.Executed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(fx.executions(t, agent.ID)) != 0 {
		t.Fatalf("execution row created for a paused agent")
	}
	if fx.completer.callCount() != 0 {
		t.Fatalf("completer called %d times, want 0", fx.completer.callCount())
	}
}

func TestRunOnceSkipsRunningAgent(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{})
	agent, _ := fx.seedDueAgent(t, nil)

	if err := fx.stores.Executions.Create(context.Background(), &models.AgentExecution{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Trigger:   models.TriggerScheduled,
		Status:    models.ExecutionRunning,
		StartedAt: testBase.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Skipped != 1 || report.Executed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if fx.completer.callCount() != 0 {
		t.Fatalf("completer called %d times, want 0", fx.completer.callCount())
	}
}

func TestRunOnceFailsAgentWithMissingOwner(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{})
	agent, _ := fx.seedDueAgent(t, func(a *models.Agent) { a.UserID = "u-ghost" })

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Failed != 1 || report.Executed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(fx.executions(t, agent.ID)) != 0 {
		t.Fatalf("execution row created without an owner")
	}
}

func TestRunOnceAdvancesScheduleAfterFailedRun(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{},
		scriptTurn{err: errors.New("invalid api key")},
	)
	agent, _ := fx.seedDueAgent(t, nil)

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v", report)
	}

	execs := fx.executions(t, agent.ID)
	if len(execs) != 1 || execs[0].Status != models.ExecutionFailed {
		t.Fatalf("executions = %+v", execs)
	}
	if !strings.Contains(execs[0].ErrorMessage, "invalid api key") {
		t.Fatalf("error message = %q", execs[0].ErrorMessage)
	}

	// A failed agent must not stay due, or every tick re-runs it.
	got, _ := fx.stores.Agents.Get(context.Background(), agent.ID)
	wantNext := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, wantNext)
	}
	if !got.LastRunAt.IsZero() {
		t.Fatalf("last_run_at = %v, want zero after failure", got.LastRunAt)
	}
}

func TestRunOnceLeavesWaitingApprovalUntouched(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{},
		scriptTurn{
			text: "I need permission first.",
			toolCalls: []models.ToolCall{{
				ID:    "c1",
				Name:  tools.NameRequestApproval,
				Input: json.RawMessage(`{"description":"Post the announcement","tool_name":"send_message"}`),
			}},
		},
	)
	agent, user := fx.seedDueAgent(t, nil)
	fx.registry.Register(tools.NewRequestApprovalTool(fx.stores.Approvals))

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Waiting != 1 || report.Executed != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	execs := fx.executions(t, agent.ID)
	if len(execs) != 1 || execs[0].Status != models.ExecutionWaitingApproval {
		t.Fatalf("executions = %+v", execs)
	}
	if !execs[0].FinishedAt.IsZero() {
		t.Fatalf("waiting execution has finished_at = %v", execs[0].FinishedAt)
	}
	pending, err := fx.stores.Approvals.ListPending(context.Background(), user.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v err=%v", pending, err)
	}

	// The next pass must not re-run the agent while the decision is open.
	report, err = fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if report.Skipped != 1 || report.Waiting != 0 {
		t.Fatalf("second report = %+v", report)
	}
}

func TestRunOnceRecoversZombieExecutions(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{StaleAfter: time.Hour})
	agent, _ := fx.seedDueAgent(t, func(a *models.Agent) {
		a.NextRunAt = time.Time{} // not due, only the sweep matters here
	})

	stale := &models.AgentExecution{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Trigger:   models.TriggerScheduled,
		Status:    models.ExecutionRunning,
		StartedAt: testBase.Add(-2 * time.Hour),
	}
	if err := fx.stores.Executions.Create(context.Background(), stale); err != nil {
		t.Fatalf("seed stale execution: %v", err)
	}
	fresh := &models.AgentExecution{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		Trigger:   models.TriggerScheduled,
		Status:    models.ExecutionRunning,
		StartedAt: testBase.Add(-time.Minute),
	}
	if err := fx.stores.Executions.Create(context.Background(), fresh); err != nil {
		t.Fatalf("seed fresh execution: %v", err)
	}

	report, err := fx.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Zombies != 1 {
		t.Fatalf("zombies = %d, want 1", report.Zombies)
	}

	gotStale, _ := fx.stores.Executions.Get(context.Background(), stale.ID)
	if gotStale.Status != models.ExecutionFailed || gotStale.ErrorMessage == "" {
		t.Fatalf("stale row = %+v, want failed with reason", gotStale)
	}
	gotFresh, _ := fx.stores.Executions.Get(context.Background(), fresh.ID)
	if gotFresh.Status != models.ExecutionRunning {
		t.Fatalf("fresh row = %+v, want still running", gotFresh)
	}
}

func TestLoopRunsPassesUntilCancelled(t *testing.T) {
	fx := newFixture(t, config.SchedulerConfig{Interval: 5 * time.Millisecond},
		scriptTurn{text: "Looped run.", input: 5, output: 5},
	)
	agent, _ := fx.seedDueAgent(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := fx.scheduler.Loop(ctx); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if execs := fx.executions(t, agent.ID); len(execs) == 1 && execs[0].Status == models.ExecutionCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no completed execution after 5s: %+v", fx.executions(t, agent.ID))
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := fx.scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The schedule advanced on success, so the loop never re-ran the agent.
	if execs := fx.executions(t, agent.ID); len(execs) != 1 {
		t.Fatalf("executions = %+v, want exactly one", execs)
	}
}
