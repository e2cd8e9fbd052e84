package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/retry"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

// scriptTurn is one scripted completer response.
type scriptTurn struct {
	text      string
	thinking  string
	toolCalls []models.ToolCall
	err       error // fails before the stream starts
	chunkErr  error // fails mid-stream
	input     int64
	output    int64
}

type scriptedCompleter struct {
	mu    sync.Mutex
	turns []scriptTurn
	reqs  []*llm.Request
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	s.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan *llm.Chunk, len(turn.toolCalls)+4)
	go func() {
		defer close(ch)
		if turn.thinking != "" {
			ch <- &llm.Chunk{Thinking: turn.thinking}
		}
		if turn.text != "" {
			ch <- &llm.Chunk{Text: turn.text}
		}
		for i := range turn.toolCalls {
			tc := turn.toolCalls[i]
			ch <- &llm.Chunk{ToolCall: &tc}
		}
		if turn.chunkErr != nil {
			ch <- &llm.Chunk{Err: turn.chunkErr}
			return
		}
		ch <- &llm.Chunk{Done: true, InputTokens: turn.input, OutputTokens: turn.output}
	}()
	return ch, nil
}

func (s *scriptedCompleter) requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.reqs...)
}

// fakeTool delegates to a function and counts invocations.
type fakeTool struct {
	name  string
	fn    func(ctx context.Context, params json.RawMessage) (*tools.Result, error)
	calls int
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool " + t.name }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	t.calls++
	return t.fn(ctx, params)
}

type recordingSink struct {
	captures []toolbuf.Capture
}

func (s *recordingSink) Capture(c toolbuf.Capture) { s.captures = append(s.captures, c) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestGraph(t *testing.T, completer llm.Completer, reg *tools.Registry, cfg Config) *Graph {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return New(completer, reg, cfg,
		WithLogger(quietLogger()),
		WithRetryPolicy(fastRetry(0)),
		WithClock(func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }),
	)
}

func userMessage(content string) models.Message {
	return models.Message{
		ID:             "msg-user",
		ConversationID: "conv-1",
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      time.Date(2025, 3, 10, 11, 59, 0, 0, time.UTC),
	}
}

func TestRunPlainChat(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{
		{text: "hello back", thinking: "considering", input: 12, output: 7},
	}}
	var tokens []string
	var thinking []string
	g := newTestGraph(t, completer, nil, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		System:         "be nice",
		Messages:       []models.Message{userMessage("hi")},
		Hooks: &Hooks{
			OnToken:    func(s string) { tokens = append(tokens, s) },
			OnThinking: func(s string) { thinking = append(thinking, s) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(state.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(state.Messages))
	}
	last := state.Messages[1]
	if last.Role != models.RoleAssistant || last.Content != "hello back" {
		t.Errorf("assistant message = %+v", last)
	}
	if last.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q", last.ConversationID)
	}
	if state.Usage.InputTokens != 12 || state.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", state.Usage)
	}
	if strings.Join(tokens, "") != "hello back" {
		t.Errorf("tokens = %q", tokens)
	}
	if len(thinking) != 1 || thinking[0] != "considering" {
		t.Errorf("thinking = %q", thinking)
	}
	if got := completer.requests()[0].System; got != "be nice" {
		t.Errorf("system = %q", got)
	}
}

func TestRunToolLoopCapturesAndStrips(t *testing.T) {
	lookup := &fakeTool{
		name: "lookup",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: `{"summary":"ok","_full_result":{"rows":[1,2,3]}}`}, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(lookup)

	completer := &scriptedCompleter{turns: []scriptTurn{
		{
			toolCalls: []models.ToolCall{{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{}`)}},
			input:     10, output: 5,
		},
		{text: "found it", input: 20, output: 9},
	}}

	sink := &recordingSink{}
	var started, ended []string
	g := newTestGraph(t, completer, reg, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("look this up")},
		Sink:           sink,
		Hooks: &Hooks{
			OnToolStart: func(c models.ToolCall) { started = append(started, c.Name) },
			OnToolEnd:   func(c models.ToolCall, r models.ToolResult) { ended = append(ended, c.Name) },
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// user, assistant(tool call), tool, assistant
	if len(state.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(state.Messages))
	}
	toolMsg := state.Messages[2]
	if toolMsg.Role != models.RoleTool || len(toolMsg.ToolResults) != 1 {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if strings.Contains(toolMsg.ToolResults[0].Content, tools.FullResultKey) {
		t.Errorf("full result leaked to model: %s", toolMsg.ToolResults[0].Content)
	}
	if !strings.Contains(toolMsg.ToolResults[0].Content, `"summary":"ok"`) {
		t.Errorf("stripped content lost fields: %s", toolMsg.ToolResults[0].Content)
	}

	if len(sink.captures) != 1 {
		t.Fatalf("captures = %d, want 1", len(sink.captures))
	}
	captured := sink.captures[0]
	if captured.Tool != "lookup" || captured.ToolCallID != "tc-1" {
		t.Errorf("capture = %+v", captured)
	}
	if _, ok := captured.Payload[tools.FullResultKey]; !ok {
		t.Errorf("capture lost original payload: %v", captured.Payload)
	}

	if state.Usage.InputTokens != 30 || state.Usage.OutputTokens != 14 {
		t.Errorf("usage = %+v", state.Usage)
	}
	if state.ToolRetries != 0 {
		t.Errorf("ToolRetries = %d, want 0", state.ToolRetries)
	}
	if len(started) != 1 || started[0] != "lookup" || len(ended) != 1 {
		t.Errorf("hooks: started=%v ended=%v", started, ended)
	}

	// The second model call must include the tool results.
	reqs := completer.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	lastPrompt := reqs[1].Messages
	if lastPrompt[len(lastPrompt)-1].Role != string(models.RoleTool) {
		t.Errorf("second call does not end with tool results: %+v", lastPrompt)
	}
}

func TestMetadataOnlyCallsEndRun(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.CiteSourcesTool{})

	completer := &scriptedCompleter{turns: []scriptTurn{
		{
			text: "done, sources recorded",
			toolCalls: []models.ToolCall{{
				ID:    "tc-1",
				Name:  tools.NameCiteSources,
				Input: json.RawMessage(`{"sources":[{"title":"a","url":"https://a"}]}`),
			}},
		},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("summarize")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(state.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (metadata-only turn must end the run)", len(state.Messages))
	}
	if len(completer.requests()) != 1 {
		t.Errorf("model called %d times, want 1", len(completer.requests()))
	}
}

func TestMixedBatchExecutesMetadataTools(t *testing.T) {
	lookup := &fakeTool{
		name: "lookup",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: `{"summary":"data"}`}, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(lookup)
	reg.Register(tools.CiteSourcesTool{})

	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{
			{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{}`)},
			{ID: "tc-2", Name: tools.NameCiteSources, Input: json.RawMessage(`{"sources":[{"title":"a","url":"https://a"}]}`)},
		}},
		{text: "all done"},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("go")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	toolMsg := state.Messages[2]
	if len(toolMsg.ToolResults) != 2 {
		t.Fatalf("tool results = %d, want 2", len(toolMsg.ToolResults))
	}
	for _, r := range toolMsg.ToolResults {
		if r.IsError {
			t.Errorf("result %s unexpectedly failed: %s", r.ToolCallID, r.Content)
		}
	}
}

func TestPlanNodeWritesPlan(t *testing.T) {
	long := strings.Repeat("please handle this multi step request carefully ", 8)
	completer := &scriptedCompleter{turns: []scriptTurn{
		{text: "PLAN"},
		{text: "1. Gather data\n2. Compare options\n3. Summarize"},
		{text: "here is the full answer"},
	}}
	g := newTestGraph(t, completer, nil, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID:  "conv-1",
		System:          "base prompt",
		Messages:        []models.Message{userMessage(long)},
		PlanningEnabled: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := completer.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3 (classifier, outliner, chat)", len(reqs))
	}
	if reqs[0].System != classifierSystem {
		t.Errorf("first call is not the classifier: %q", reqs[0].System)
	}
	if !strings.Contains(reqs[2].System, "1. Gather data") {
		t.Errorf("chat system prompt missing plan: %q", reqs[2].System)
	}
	if !strings.Contains(reqs[2].System, "base prompt") {
		t.Errorf("chat system prompt lost base: %q", reqs[2].System)
	}
	if state.Plan != "" {
		t.Errorf("plan not cleared after injection: %q", state.Plan)
	}
}

func TestPlanSkippedForShortMessage(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{{text: "quick answer"}}}
	g := newTestGraph(t, completer, nil, Config{})

	_, err := g.Run(context.Background(), &Request{
		ConversationID:  "conv-1",
		System:          "base prompt",
		Messages:        []models.Message{userMessage("short question")},
		PlanningEnabled: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := completer.requests()
	if len(reqs) != 1 || reqs[0].System != "base prompt" {
		t.Errorf("short message should go straight to chat, got %d requests", len(reqs))
	}
}

func TestPlanClassifierFailureFallsThroughToChat(t *testing.T) {
	long := strings.Repeat("plan this out for me in detail with many steps ", 8)
	completer := &scriptedCompleter{turns: []scriptTurn{
		{err: errors.New("model unavailable")},
		{text: "answered anyway"},
	}}
	g := newTestGraph(t, completer, nil, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID:  "conv-1",
		Messages:        []models.Message{userMessage(long)},
		PlanningEnabled: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := state.Messages[len(state.Messages)-1].Content; got != "answered anyway" {
		t.Errorf("final content = %q", got)
	}
	if state.Plan != "" {
		t.Errorf("plan = %q, want empty", state.Plan)
	}
}

func TestFailedBatchAppendsGuidance(t *testing.T) {
	flaky := &fakeTool{
		name: "flaky",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return tools.Errorf("upstream exploded"), nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(flaky)

	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "tc-1", Name: "flaky", Input: json.RawMessage(`{}`)}}},
		{text: "giving a partial answer"},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("try the flaky thing")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.ToolRetries != 1 {
		t.Errorf("ToolRetries = %d, want 1", state.ToolRetries)
	}

	var guidance *models.Message
	for i := range state.Messages {
		if state.Messages[i].Content == retryGuidance {
			guidance = &state.Messages[i]
		}
	}
	if guidance == nil {
		t.Fatalf("guidance message missing: %+v", state.Messages)
	}
	if guidance.Role != models.RoleUser {
		t.Errorf("guidance role = %q", guidance.Role)
	}
}

func TestGiveUpGuidancePastRetryCap(t *testing.T) {
	flaky := &fakeTool{
		name: "flaky",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return tools.Errorf("rate limit exceeded"), nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(flaky)

	call := func(id string) scriptTurn {
		return scriptTurn{toolCalls: []models.ToolCall{{ID: id, Name: "flaky", Input: json.RawMessage(`{}`)}}}
	}
	completer := &scriptedCompleter{turns: []scriptTurn{
		call("tc-1"), call("tc-2"), call("tc-3"),
		{text: "stopping here"},
	}}
	g := newTestGraph(t, completer, reg, Config{MaxToolRetries: 2})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("keep trying")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.ToolRetries != 3 {
		t.Errorf("ToolRetries = %d, want 3", state.ToolRetries)
	}

	var texts []string
	for _, m := range state.Messages {
		if m.Role == models.RoleUser && m.ID != "msg-user" {
			texts = append(texts, m.Content)
		}
	}
	want := []string{retryGuidance, retryGuidance, giveUpGuidance}
	if len(texts) != len(want) {
		t.Fatalf("guidance messages = %v", texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("guidance[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestTransientContentFailsBatch(t *testing.T) {
	// The tool reports success but its content reads like an upstream
	// failure; the gate must still count it.
	sneaky := &fakeTool{
		name: "sneaky",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "upstream said: 503 service unavailable"}, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(sneaky)

	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "tc-1", Name: "sneaky", Input: json.RawMessage(`{}`)}}},
		{text: "ok"},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("go")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.ToolRetries != 1 {
		t.Errorf("ToolRetries = %d, want 1", state.ToolRetries)
	}
}

func TestBlockedToolBecomesErrorResult(t *testing.T) {
	secret := &fakeTool{
		name: "send_email",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: "sent"}, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(secret)

	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "tc-1", Name: "send_email", Input: json.RawMessage(`{}`)}}},
		{text: "could not send"},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	agent := &models.Agent{ID: "ag-1", UserID: "user-1", ToolPermissions: []string{}}
	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("email the report")},
		Agent:          agent,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	toolMsg := state.Messages[2]
	if !toolMsg.ToolResults[0].IsError {
		t.Fatalf("blocked tool result not an error: %+v", toolMsg.ToolResults[0])
	}
	if !strings.Contains(toolMsg.ToolResults[0].Content, "tool blocked") {
		t.Errorf("content = %q", toolMsg.ToolResults[0].Content)
	}
	if secret.calls != 0 {
		t.Errorf("blocked tool executed %d times", secret.calls)
	}
}

func TestApprovalRequiredAbortsRun(t *testing.T) {
	asker := &fakeTool{
		name: "request_approval",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return nil, &fault.ApprovalRequiredError{
				ApprovalID:  "ap-7",
				Description: "send the report",
				ToolName:    "request_approval",
			}
		},
	}
	reg := tools.NewRegistry()
	reg.Register(asker)

	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "tc-1", Name: "request_approval", Input: json.RawMessage(`{}`)}}},
	}}
	g := newTestGraph(t, completer, reg, Config{})

	_, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("do the risky thing")},
	})
	var approval *fault.ApprovalRequiredError
	if !errors.As(err, &approval) {
		t.Fatalf("err = %v, want ApprovalRequiredError", err)
	}
	if approval.ApprovalID != "ap-7" {
		t.Errorf("ApprovalID = %q", approval.ApprovalID)
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "tc-1", Name: "no_such_tool", Input: json.RawMessage(`{}`)}}},
		{text: "sorry"},
	}}
	g := newTestGraph(t, completer, nil, Config{})

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("go")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result := state.Messages[2].ToolResults[0]
	if !result.IsError || !strings.Contains(result.Content, "tool not found") {
		t.Errorf("result = %+v", result)
	}
}

func TestRecursionLimit(t *testing.T) {
	looping := &fakeTool{
		name: "again",
		fn: func(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Content: `{"ok":true}`}, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(looping)

	turns := make([]scriptTurn, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, scriptTurn{
			toolCalls: []models.ToolCall{{ID: fmt.Sprintf("tc-%d", i), Name: "again", Input: json.RawMessage(`{}`)}},
		})
	}
	completer := &scriptedCompleter{turns: turns}
	g := newTestGraph(t, completer, reg, Config{RecursionLimit: 5})

	_, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("loop forever")},
	})
	var fatal *fault.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalError", err)
	}
	if !strings.Contains(fatal.Error(), "recursion limit") {
		t.Errorf("error = %v", fatal)
	}
}

func TestChatRetriesTransientErrors(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{
		{err: errors.New("429 too many requests")},
		{text: "second try worked"},
	}}
	reg := tools.NewRegistry()
	g := New(completer, reg, Config{},
		WithLogger(quietLogger()),
		WithRetryPolicy(fastRetry(2)),
	)

	state, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := state.Messages[len(state.Messages)-1].Content; got != "second try worked" {
		t.Errorf("content = %q", got)
	}
	if len(completer.requests()) != 2 {
		t.Errorf("requests = %d, want 2", len(completer.requests()))
	}
}

func TestChatDoesNotRetryPermanentErrors(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{
		{err: errors.New("invalid api key")},
		{text: "never reached"},
	}}
	reg := tools.NewRegistry()
	g := New(completer, reg, Config{},
		WithLogger(quietLogger()),
		WithRetryPolicy(fastRetry(3)),
	)

	_, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       []models.Message{userMessage("hi")},
	})
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("err = %v", err)
	}
	if len(completer.requests()) != 1 {
		t.Errorf("requests = %d, want 1", len(completer.requests()))
	}
}

func TestSystemHistoryHoistedIntoSystemPrompt(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{{text: "ok"}}}
	g := newTestGraph(t, completer, nil, Config{})

	summary := models.Message{
		ID:             "msg-sum",
		ConversationID: "conv-1",
		Role:           models.RoleSystem,
		Content:        "[Compacted history] Earlier the user set up three agents.",
		CreatedAt:      time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
	}
	_, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		System:         "base",
		Messages:       []models.Message{summary, userMessage("what did I do earlier?")},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := completer.requests()[0]
	if !strings.Contains(req.System, "Compacted history") {
		t.Errorf("system = %q, summary not hoisted", req.System)
	}
	for _, m := range req.Messages {
		if m.Role == string(models.RoleSystem) {
			t.Errorf("system message leaked into prompt list")
		}
	}
}

func TestBlocksAttachToLatestUserTurn(t *testing.T) {
	completer := &scriptedCompleter{turns: []scriptTurn{{text: "nice image"}}}
	g := newTestGraph(t, completer, nil, Config{})

	history := []models.Message{
		userMessage("earlier question"),
		{ID: "msg-a", ConversationID: "conv-1", Role: models.RoleAssistant, Content: "earlier answer"},
		{ID: "msg-u2", ConversationID: "conv-1", Role: models.RoleUser, Content: "what is in this picture?"},
	}
	blocks := []llm.ContentBlock{{Type: llm.BlockImage, MimeType: "image/png", Data: []byte{1, 2, 3}}}

	_, err := g.Run(context.Background(), &Request{
		ConversationID: "conv-1",
		Messages:       history,
		Blocks:         blocks,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompt := completer.requests()[0].Messages
	for i, m := range prompt {
		wantBlocks := i == len(prompt)-1
		if (len(m.Blocks) > 0) != wantBlocks {
			t.Errorf("message %d blocks = %d", i, len(m.Blocks))
		}
	}
}
