// Package graph runs the conversational state machine shared by interactive
// chat and autonomous agents.
//
// A run walks up to four nodes over shared state: plan (classifier plus
// outliner for long requests), chat (the model call), tools (execute the
// calls the model requested), and check_tool_results (self-correction gate
// for failed tool batches). Edges are conditional: planning only happens for
// long first-turn requests, the run ends when the model stops requesting
// actionable tools, and a global recursion limit bounds pathological loops.
//
// The graph owns no persistence. Callers hand it the prompt history and get
// back the final state; the chat facade and the autonomous executor decide
// what to save.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/retry"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

// Node names, counted against the recursion limit and exported as the
// metrics label.
const (
	nodePlan  = "plan"
	nodeChat  = "chat"
	nodeTools = "tools"
	nodeCheck = "check_tool_results"
	nodeEnd   = "end"
)

// maxCompletionTokens caps a single chat completion.
const maxCompletionTokens = 4096

// Guidance appended by the self-correction gate after a failed tool batch.
const (
	retryGuidance  = "The previous tool call failed. Try a different approach or different arguments before answering."
	giveUpGuidance = "Tool calls keep failing. Stop retrying, answer with what you already have, and say what could not be completed."
)

// Usage sums token counts across every model call of a run.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// State is the shared graph state. Messages grows as nodes append assistant
// turns, tool results, and guidance; ToolRetries counts consecutive failed
// tool batches; Plan holds the outline between the plan node and the chat
// call that consumes it.
type State struct {
	Messages    []models.Message
	ToolRetries int
	Plan        string
	Usage       Usage
}

// Request describes one graph run.
type Request struct {
	// ConversationID stamps messages created during the run.
	ConversationID string

	// Model answers the chat node. Empty routes to the completer default.
	Model string

	// System is the assembled system prompt.
	System string

	// Messages is the prompt history, oldest first, ending with the message
	// that triggered this run.
	Messages []models.Message

	// Blocks are binary attachments for the latest user message.
	Blocks []llm.ContentBlock

	// PlanningEnabled gates the plan node.
	PlanningEnabled bool

	// Agent is set for autonomous runs and drives the permission guard.
	// Nil means interactive: no tool is ever blocked.
	Agent *models.Agent

	// Tools restricts which registry tools the model sees. Empty offers
	// every registered tool.
	Tools []string

	// Sink receives the original JSON of every tool output before the
	// _full_result payload is stripped from the model-visible content.
	Sink toolbuf.Sink

	// Hooks receive progress callbacks. Nil disables them.
	Hooks *Hooks
}

// Hooks are per-run progress callbacks, invoked synchronously from the run
// goroutine. Nil fields are skipped; implementations must not block.
type Hooks struct {
	OnToken     func(text string)
	OnThinking  func(text string)
	OnToolStart func(call models.ToolCall)
	OnToolEnd   func(call models.ToolCall, result models.ToolResult)
}

func (h *Hooks) token(text string) {
	if h != nil && h.OnToken != nil {
		h.OnToken(text)
	}
}

func (h *Hooks) thinking(text string) {
	if h != nil && h.OnThinking != nil {
		h.OnThinking(text)
	}
}

func (h *Hooks) toolStart(call models.ToolCall) {
	if h != nil && h.OnToolStart != nil {
		h.OnToolStart(call)
	}
}

func (h *Hooks) toolEnd(call models.ToolCall, result models.ToolResult) {
	if h != nil && h.OnToolEnd != nil {
		h.OnToolEnd(call, result)
	}
}

// Config bounds a graph instance. Zero values take the documented defaults.
type Config struct {
	// PlanningMinLength is the minimum rune count of the latest user
	// message before the plan node classifies at all. Default 200.
	PlanningMinLength int

	// RecursionLimit caps total node visits per run. Default 25.
	RecursionLimit int

	// MaxToolRetries caps self-correction rounds; past it the gate tells
	// the model to give up. Default 2.
	MaxToolRetries int

	// PlanModel runs the classifier and outliner. Empty uses the request
	// model.
	PlanModel string
}

// Graph executes runs. Safe for concurrent use.
type Graph struct {
	completer llm.Completer
	registry  *tools.Registry
	cfg       Config
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger.With("component", "graph")
		}
	}
}

// WithMetrics enables node and tool instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// WithRetryPolicy overrides the chat-node retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(g *Graph) { g.policy = p }
}

// WithClock overrides message timestamps, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// New builds a graph over a completer and a tool registry.
func New(completer llm.Completer, registry *tools.Registry, cfg Config, opts ...Option) *Graph {
	if cfg.PlanningMinLength <= 0 {
		cfg.PlanningMinLength = 200
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = 25
	}
	if cfg.MaxToolRetries <= 0 {
		cfg.MaxToolRetries = 2
	}
	g := &Graph{
		completer: completer,
		registry:  registry,
		cfg:       cfg,
		policy:    retry.DefaultPolicy(),
		logger:    slog.Default().With("component", "graph"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes the graph to completion and returns the final state. The
// returned error is either control flow (fault.ApprovalRequiredError),
// cancellation, or a failure the caller should treat as fatal for this
// request.
func (g *Graph) Run(ctx context.Context, req *Request) (*State, error) {
	state := &State{Messages: req.Messages}

	node := nodeChat
	if g.wantsPlanning(req, state) {
		node = nodePlan
	}

	for visits := 0; node != nodeEnd; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		visits++
		if visits > g.cfg.RecursionLimit {
			return nil, &fault.FatalError{
				Op:  "graph",
				Err: fmt.Errorf("recursion limit reached after %d node visits", g.cfg.RecursionLimit),
			}
		}
		if g.metrics != nil {
			g.metrics.RecordGraphNode(node)
		}

		var err error
		switch node {
		case nodePlan:
			node = g.runPlan(ctx, req, state)
		case nodeChat:
			node, err = g.runChat(ctx, req, state)
		case nodeTools:
			node, err = g.runTools(ctx, req, state)
		case nodeCheck:
			node = g.runCheck(req, state)
		}
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}

// wantsPlanning gates the plan node: planning must be requested, no plan may
// exist yet, and the latest user message must be long enough that an outline
// can pay for the extra classifier call.
func (g *Graph) wantsPlanning(req *Request, state *State) bool {
	if !req.PlanningEnabled || state.Plan != "" {
		return false
	}
	latest := latestUserContent(state.Messages)
	return utf8.RuneCountInString(latest) > g.cfg.PlanningMinLength
}

const classifierSystem = `You route incoming requests. Answer with exactly one word.
Answer PLAN when the request is a multi-step task that benefits from an explicit plan before answering.
Answer CHAT for everything else.`

const outlinerSystem = `Write a short numbered plan for handling the request.
List concrete steps, one per line, numbered from 1. Output only the plan.`

// runPlan classifies the request and, on PLAN, writes an outline into state.
// Every failure falls through to chat: planning is an optimization, never a
// gate.
func (g *Graph) runPlan(ctx context.Context, req *Request, state *State) string {
	latest := latestUserContent(state.Messages)
	model := g.cfg.PlanModel
	if model == "" {
		model = req.Model
	}

	verdict, err := g.completeText(ctx, &llm.Request{
		Model:     model,
		System:    classifierSystem,
		Messages:  []llm.Message{{Role: string(models.RoleUser), Content: latest}},
		MaxTokens: 8,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "plan classifier failed", "error", err)
		return nodeChat
	}
	if strings.TrimSpace(verdict) != "PLAN" {
		return nodeChat
	}

	outline, err := g.completeText(ctx, &llm.Request{
		Model:     model,
		System:    outlinerSystem,
		Messages:  []llm.Message{{Role: string(models.RoleUser), Content: latest}},
		MaxTokens: 1024,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "plan outliner failed", "error", err)
		return nodeChat
	}
	state.Plan = strings.TrimSpace(outline)
	return nodeChat
}

func (g *Graph) completeText(ctx context.Context, req *llm.Request) (string, error) {
	chunks, err := g.completer.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	res, err := llm.Collect(ctx, chunks)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// runChat performs the model call and appends the assistant turn. A pending
// plan is injected as a system directive for this call only, then cleared.
func (g *Graph) runChat(ctx context.Context, req *Request, state *State) (string, error) {
	system, prompt := buildPrompt(req, state)
	state.Plan = ""

	lreq := &llm.Request{
		Model:     req.Model,
		System:    system,
		Messages:  prompt,
		Tools:     g.toolSpecs(req),
		MaxTokens: maxCompletionTokens,
	}

	var res *chatResult
	err := retry.Do(ctx, g.policy, func() error {
		r, err := g.streamOnce(ctx, req, lreq)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return "", err
	}

	state.Usage.InputTokens += res.inputTokens
	state.Usage.OutputTokens += res.outputTokens

	state.Messages = append(state.Messages, models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           models.RoleAssistant,
		Content:        res.text,
		ToolCalls:      res.toolCalls,
		CreatedAt:      g.now().UTC(),
	})

	if hasActionableCalls(res.toolCalls) {
		return nodeTools, nil
	}
	return nodeEnd, nil
}

type chatResult struct {
	text         string
	toolCalls    []models.ToolCall
	inputTokens  int64
	outputTokens int64
}

// streamOnce performs one completion attempt, forwarding tokens and thinking
// to the hooks as they arrive. The channel is always drained so the provider
// goroutine can exit.
func (g *Graph) streamOnce(ctx context.Context, req *Request, lreq *llm.Request) (*chatResult, error) {
	chunks, err := g.completer.Complete(ctx, lreq)
	if err != nil {
		return nil, err
	}

	var (
		text     strings.Builder
		res      chatResult
		chunkErr error
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			if chunkErr == nil {
				chunkErr = chunk.Err
			}
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			req.Hooks.token(chunk.Text)
		}
		if chunk.Thinking != "" {
			req.Hooks.thinking(chunk.Thinking)
		}
		if chunk.ToolCall != nil {
			res.toolCalls = append(res.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			res.inputTokens = chunk.InputTokens
			res.outputTokens = chunk.OutputTokens
		}
	}
	if chunkErr != nil {
		return nil, chunkErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.text = text.String()
	return &res, nil
}

// runTools executes every tool call on the last assistant message. Each
// output is captured in full before the model-visible content is stripped of
// the _full_result payload. An ApprovalRequiredError aborts the node and
// propagates; the autonomous executor turns it into the waiting_approval
// outcome.
func (g *Graph) runTools(ctx context.Context, req *Request, state *State) (string, error) {
	calls := lastAssistantCalls(state.Messages)
	results := make([]models.ToolResult, 0, len(calls))

	for _, call := range calls {
		req.Hooks.toolStart(call)
		start := g.now()

		result, err := g.executeCall(ctx, req, call)
		if err != nil {
			return "", err
		}

		if g.metrics != nil {
			status := "success"
			if result.IsError {
				status = "error"
			}
			g.metrics.RecordToolExecution(call.Name, status, g.now().Sub(start).Seconds())
		}
		req.Hooks.toolEnd(call, result)
		results = append(results, result)
	}

	state.Messages = append(state.Messages, models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           models.RoleTool,
		ToolResults:    results,
		CreatedAt:      g.now().UTC(),
	})
	return nodeCheck, nil
}

// executeCall runs one call through the permission guard and the registry.
func (g *Graph) executeCall(ctx context.Context, req *Request, call models.ToolCall) (models.ToolResult, error) {
	if err := tools.CheckPermission(req.Agent, call.Name); err != nil {
		g.logger.InfoContext(ctx, "tool blocked", "tool", call.Name)
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    err.Error(),
			IsError:    true,
		}, nil
	}

	res, err := g.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		// Control flow: request_approval aborting the run, or cancellation.
		return models.ToolResult{}, err
	}

	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    g.captureAndStrip(req.Sink, call, res),
		IsError:    res.IsError,
	}, nil
}

// captureAndStrip stores the original tool output in the sink and returns
// the content the model will see. Error results pass through untouched;
// non-JSON output is captured only when it produced files.
func (g *Graph) captureAndStrip(sink toolbuf.Sink, call models.ToolCall, res *tools.Result) string {
	if res.IsError {
		return res.Content
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil || payload == nil {
		if sink != nil && len(res.Files) > 0 {
			sink.Capture(toolbuf.Capture{
				ToolCallID: call.ID,
				Tool:       call.Name,
				Payload:    map[string]any{"content": res.Content},
				Files:      res.Files,
			})
		}
		return res.Content
	}

	if sink != nil {
		sink.Capture(toolbuf.Capture{
			ToolCallID: call.ID,
			Tool:       call.Name,
			Payload:    payload,
			Files:      res.Files,
		})
	}

	if _, ok := payload[tools.FullResultKey]; !ok {
		return res.Content
	}
	// Copy before deleting: the sink holds a reference to the original map.
	visible := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == tools.FullResultKey {
			continue
		}
		visible[k] = v
	}
	stripped, err := json.Marshal(visible)
	if err != nil {
		return res.Content
	}
	return string(stripped)
}

// runCheck is the self-correction gate: a failed batch appends guidance and
// counts against MaxToolRetries, a clean batch resets the counter.
func (g *Graph) runCheck(req *Request, state *State) string {
	if !lastBatchFailed(state.Messages) {
		state.ToolRetries = 0
		return nodeChat
	}

	state.ToolRetries++
	guidance := retryGuidance
	if state.ToolRetries > g.cfg.MaxToolRetries {
		guidance = giveUpGuidance
	}
	state.Messages = append(state.Messages, models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           models.RoleUser,
		Content:        guidance,
		CreatedAt:      g.now().UTC(),
	})
	return nodeChat
}

// lastBatchFailed scans tool results produced since the most recent
// assistant message. Explicit error status fails the batch, and so does
// content that reads like a transient upstream failure the tool did not
// flag.
func lastBatchFailed(msgs []models.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == models.RoleAssistant {
			return false
		}
		if m.Role != models.RoleTool {
			continue
		}
		for _, r := range m.ToolResults {
			if r.IsError || fault.TransientText(r.Content) {
				return true
			}
		}
	}
	return false
}

// buildPrompt assembles the system prompt and the provider message list.
// System-role history (compaction summaries) is hoisted into the system
// prompt, a pending plan is appended as a directive, and request blocks
// attach to the latest user turn.
func buildPrompt(req *Request, state *State) (string, []llm.Message) {
	parts := make([]string, 0, 3)
	if req.System != "" {
		parts = append(parts, req.System)
	}

	prompt := make([]llm.Message, 0, len(state.Messages))
	lastUser := -1
	for _, m := range state.Messages {
		switch m.Role {
		case models.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				parts = append(parts, m.Content)
			}
		case models.RoleUser:
			prompt = append(prompt, llm.Message{
				Role:    string(models.RoleUser),
				Content: m.Content,
			})
			lastUser = len(prompt) - 1
		case models.RoleAssistant:
			prompt = append(prompt, llm.Message{
				Role:      string(models.RoleAssistant),
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		case models.RoleTool:
			prompt = append(prompt, llm.Message{
				Role:        string(models.RoleTool),
				ToolResults: m.ToolResults,
			})
		}
	}

	if lastUser >= 0 && len(req.Blocks) > 0 {
		prompt[lastUser].Blocks = req.Blocks
	}
	if state.Plan != "" {
		parts = append(parts, "An execution plan was prepared for this request. Follow it step by step:\n\n"+state.Plan)
	}
	return strings.Join(parts, "\n\n"), prompt
}

// toolSpecs renders the registry for the model, honoring the request's tool
// filter.
func (g *Graph) toolSpecs(req *Request) []llm.ToolSpec {
	var allowed map[string]bool
	if len(req.Tools) > 0 {
		allowed = make(map[string]bool, len(req.Tools))
		for _, name := range req.Tools {
			allowed[name] = true
		}
	}

	all := g.registry.List()
	specs := make([]llm.ToolSpec, 0, len(all))
	for _, t := range all {
		if allowed != nil && !allowed[t.Name()] {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// hasActionableCalls reports whether any call targets a non-metadata tool.
// Metadata-only turns end the run: their answer is the structured argument,
// not another model turn.
func hasActionableCalls(calls []models.ToolCall) bool {
	for _, c := range calls {
		if !tools.IsMetadata(c.Name) {
			return true
		}
	}
	return false
}

func lastAssistantCalls(msgs []models.Message) []models.ToolCall {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].ToolCalls
		}
	}
	return nil
}

func latestUserContent(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
