package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

type fakeResolver struct {
	agents map[string]*models.Agent // keyed by name
}

func (f *fakeResolver) GetByName(_ context.Context, userID, name string) (*models.Agent, error) {
	agent, ok := f.agents[name]
	if !ok || agent.UserID != userID {
		return nil, store.ErrNotFound
	}
	return agent, nil
}

type fakeRunner struct {
	status   string
	err      error
	gotChain []string
	gotID    string
	calls    int
}

func (f *fakeRunner) Run(_ context.Context, target *models.Agent, parentChain []string) (string, error) {
	f.calls++
	f.gotID = target.ID
	f.gotChain = parentChain
	return f.status, f.err
}

func triggerFixture(status string) (*TriggerAgentTool, *fakeRunner) {
	runner := &fakeRunner{status: status}
	resolver := &fakeResolver{agents: map[string]*models.Agent{
		"digest":   {ID: "ag-digest", UserID: "user-1", Name: "digest", Enabled: true},
		"archiver": {ID: "ag-archiver", UserID: "user-1", Name: "archiver", Enabled: false},
	}}
	return NewTriggerAgentTool(resolver, runner), runner
}

func chainCtx(chain ...string) context.Context {
	return reqctx.WithAgentRun(context.Background(), &reqctx.AgentRun{
		Agent:        &models.Agent{ID: chain[len(chain)-1], UserID: "user-1"},
		Trigger:      models.TriggerScheduled,
		TriggerChain: chain,
	})
}

func TestTriggerAgentRunsTarget(t *testing.T) {
	tool, runner := triggerFixture(`agent "digest" completed`)

	res, err := tool.Execute(chainCtx("ag-root"), json.RawMessage(`{"agent_name":"digest"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if res.Content != `agent "digest" completed` {
		t.Errorf("content = %q", res.Content)
	}
	if runner.calls != 1 || runner.gotID != "ag-digest" {
		t.Errorf("runner calls=%d id=%q", runner.calls, runner.gotID)
	}
	if len(runner.gotChain) != 1 || runner.gotChain[0] != "ag-root" {
		t.Errorf("chain = %v", runner.gotChain)
	}
}

func TestTriggerAgentRejectsCycle(t *testing.T) {
	tool, runner := triggerFixture("unused")

	res, err := tool.Execute(chainCtx("ag-root", "ag-digest"), json.RawMessage(`{"agent_name":"digest"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "circular dependency") {
		t.Errorf("res = %+v", res)
	}
	if runner.calls != 0 {
		t.Errorf("runner ran %d times on a rejected trigger", runner.calls)
	}
}

func TestTriggerAgentRejectsDisabled(t *testing.T) {
	tool, runner := triggerFixture("unused")

	res, err := tool.Execute(chainCtx("ag-root"), json.RawMessage(`{"agent_name":"archiver"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, `"archiver" is disabled`) {
		t.Errorf("res = %+v", res)
	}
	if runner.calls != 0 {
		t.Error("runner must not run for disabled agents")
	}
}

func TestTriggerAgentUnknownName(t *testing.T) {
	tool, _ := triggerFixture("unused")

	res, err := tool.Execute(chainCtx("ag-root"), json.RawMessage(`{"agent_name":"ghost"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || res.Content != "agent not found: ghost" {
		t.Errorf("res = %+v", res)
	}
}

func TestTriggerAgentFromInteractiveScope(t *testing.T) {
	tool, runner := triggerFixture(`agent "digest" completed`)
	ctx := reqctx.WithScope(context.Background(), reqctx.Scope{ConversationID: "conv-1", UserID: "user-1"})

	res, err := tool.Execute(ctx, json.RawMessage(`{"agent_name":"digest"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if runner.gotChain != nil {
		t.Errorf("interactive chain = %v, want nil", runner.gotChain)
	}
}

func TestTriggerAgentNeedsContext(t *testing.T) {
	tool, _ := triggerFixture("unused")

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"agent_name":"digest"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "conversation scope") {
		t.Errorf("res = %+v", res)
	}
}
