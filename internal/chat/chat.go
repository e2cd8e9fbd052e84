// Package chat turns a user message into a persisted assistant response.
//
// The package sits between the transport layers and the graph runtime: it
// assembles the system prompt and annotated history, runs the graph, then
// saves the result (message row, blobs, sources, memory ops, cost row). Three
// entry points cover the callers: Batch for request/response, TokenStream and
// EventStream for live consumers, and the lower-level Run/Save pair for the
// autonomous executor, which needs to inspect the outcome before persisting.
package chat

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/graph"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/usage"
	"github.com/braidhq/braid/pkg/models"
)

// Service runs conversations end to end. Safe for concurrent use.
type Service struct {
	graph     *graph.Graph
	stores    store.Set
	blobs     blob.Store
	buffer    *toolbuf.Buffer
	completer llm.Completer
	prices    usage.PriceTable
	cfg       config.ChatConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time
}

// Options wires the service dependencies. Graph, Stores, Blobs, Buffer, and
// Completer are required; the rest default sensibly.
type Options struct {
	Graph     *graph.Graph
	Stores    store.Set
	Blobs     blob.Store
	Buffer    *toolbuf.Buffer
	Completer llm.Completer
	Prices    usage.PriceTable
	Config    config.ChatConfig
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Clock     func() time.Time
}

// NewService builds a chat service from opts.
func NewService(opts Options) *Service {
	s := &Service{
		graph:     opts.Graph,
		stores:    opts.Stores,
		blobs:     opts.Blobs,
		buffer:    opts.Buffer,
		completer: opts.Completer,
		prices:    opts.Prices,
		cfg:       opts.Config,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       opts.Clock,
	}
	if s.prices.Models == nil {
		s.prices = usage.DefaultPriceTable()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "chat")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Request is one chat turn. The user message must already be persisted (see
// AppendUserMessage); History holds the prior conversation without it.
type Request struct {
	// Conversation the turn belongs to. Required.
	Conversation *models.Conversation

	// User owning the conversation. Nil means anonymous: personalization
	// and memory operations are skipped.
	User *models.User

	// UserMessage is the persisted message that triggered this turn.
	// Required.
	UserMessage *models.Message

	// Files carries the raw bytes of the current message's attachments.
	// Images and PDFs become model content blocks, text files are inlined.
	Files []reqctx.File

	// History is every prior message in the conversation, oldest first,
	// excluding UserMessage.
	History []*models.Message

	// Tools restricts the offered tool set. Empty offers everything.
	Tools []string

	// Planning enables the plan node and, for planner conversations, the
	// dashboard section of the system prompt.
	Planning bool

	// Agent is set for autonomous runs: it adds the agent section to the
	// system prompt and drives tool permission checks.
	Agent *models.Agent

	// Model overrides the conversation model for this turn.
	Model string
}

// Validate reports whether the request can run at all. Transports call it
// before side effects like placeholder inserts.
func (r *Request) Validate() error {
	if r == nil || r.Conversation == nil || r.Conversation.ID == "" {
		return &fault.ValidationError{Field: "conversation", Msg: "conversation is required"}
	}
	if r.UserMessage == nil || strings.TrimSpace(r.UserMessage.Content) == "" {
		return &fault.ValidationError{Field: "message", Msg: "message content is required"}
	}
	return nil
}

// RunResult is the outcome of a graph run before anything is persisted.
type RunResult struct {
	// State is the final graph state.
	State *graph.State

	// RequestID keys the tool output buffer for this run.
	RequestID string

	// Content is the final assistant text with the legacy metadata comment
	// stripped.
	Content string

	// Metadata is the dictionary parsed out of a leading legacy metadata
	// comment, nil when the model emitted none.
	Metadata map[string]any

	// ToolCalls and ToolResults aggregate every call made during this run,
	// in execution order.
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult

	// Usage is the token usage accumulated across all model calls.
	Usage usage.Usage
}

// Run executes the graph for req and returns the outcome without persisting
// anything. Callers that want the full pipeline use Batch or the stream
// wrappers; the autonomous executor calls Run and Save separately so it can
// translate approval aborts into a waiting execution first.
func (s *Service) Run(ctx context.Context, req *Request, hooks *graph.Hooks) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	requestID := reqctx.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = reqctx.WithRequestID(ctx, requestID)
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.TraceChatRequest(ctx, "run", req.Conversation.ID)
		defer span.End()
	}

	system := s.systemPrompt(ctx, req)
	messages, blocks := s.promptMessages(req)

	state, err := s.graph.Run(ctx, &graph.Request{
		ConversationID:  req.Conversation.ID,
		Model:           s.resolveModel(req),
		System:          system,
		Messages:        messages,
		Blocks:          blocks,
		PlanningEnabled: req.Planning,
		Agent:           req.Agent,
		Tools:           req.Tools,
		Sink:            s.buffer.SinkFor(requestID),
		Hooks:           hooks,
	})
	if err != nil {
		// The buffer entry would otherwise linger until the janitor sweep.
		s.buffer.Take(requestID)
		if span != nil {
			s.tracer.RecordError(span, err)
		}
		return nil, err
	}

	calls, results := runToolActivity(state.Messages, len(messages))
	content, meta := stripLegacyMetadata(finalAssistantText(state.Messages))
	if content != "" && state.Usage.InputTokens == 0 && state.Usage.OutputTokens == 0 {
		// Providers normally attach usage to the closing stream chunk. Record
		// zero rather than failing the turn, but make the anomaly visible.
		s.logger.WarnContext(ctx, "run produced content but no usage metadata, recording zero tokens",
			"conversation_id", req.Conversation.ID, "request_id", requestID)
	}
	return &RunResult{
		State:       state,
		RequestID:   requestID,
		Content:     content,
		Metadata:    meta,
		ToolCalls:   calls,
		ToolResults: results,
		Usage: usage.Usage{
			InputTokens:  state.Usage.InputTokens,
			OutputTokens: state.Usage.OutputTokens,
		},
	}, nil
}

// Result is a completed turn: the persisted assistant message plus the
// response fields batch callers return to clients.
type Result struct {
	Message     *models.Message
	Content     string
	Metadata    map[string]any
	ToolResults []models.ToolResult
	Usage       usage.Usage
}

// Batch runs one turn and persists the outcome. It is the non-streaming
// entry point used by tests and request/response transports.
func (s *Service) Batch(ctx context.Context, req *Request) (*Result, error) {
	run, err := s.Run(ctx, req, nil)
	if err != nil {
		s.recordChatMetric("batch", "error")
		return nil, err
	}
	msg, err := s.Save(ctx, req, run, SaveOptions{
		Mode:          models.CostModeChat,
		FirstExchange: IsFirstExchange(req),
	})
	if err != nil {
		s.recordChatMetric("batch", "error")
		return nil, err
	}
	s.recordChatMetric("batch", "ok")
	return &Result{
		Message:     msg,
		Content:     run.Content,
		Metadata:    run.Metadata,
		ToolResults: run.ToolResults,
		Usage:       run.Usage,
	}, nil
}

// AppendUserMessage persists content and its attachments as the next user
// message of conv and returns the stored row. Attachment bytes go to the
// blob store under the new message id so retrieve_file can find them later.
func (s *Service) AppendUserMessage(ctx context.Context, conv *models.Conversation, content string, files []reqctx.File) (*models.Message, error) {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return nil, &fault.ValidationError{Field: "message", Msg: "message content is required"}
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        content,
		Language:       detectLanguage(content),
		CreatedAt:      s.now().UTC(),
	}
	for i, f := range files {
		key := models.BlobKey(msg.ID, i)
		if _, err := s.blobs.Put(ctx, key, bytes.NewReader(f.Data), blob.PutOptions{MimeType: f.MimeType}); err != nil {
			return nil, fmt.Errorf("store attachment %q: %w", f.Name, err)
		}
		msg.Files = append(msg.Files, models.FileRef{
			Index:    i,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     int64(len(f.Data)),
		})
	}
	if err := s.stores.Conversations.AddMessage(ctx, msg); err != nil {
		return nil, fault.Fatal("append user message", err)
	}
	return msg, nil
}

func (s *Service) resolveModel(req *Request) string {
	switch {
	case req.Model != "":
		return req.Model
	case req.Conversation.Model != "":
		return req.Conversation.Model
	default:
		return s.cfg.DefaultModel
	}
}

// IsFirstExchange reports whether this turn should trigger title generation.
// Planner and agent conversations keep their fixed titles.
func IsFirstExchange(req *Request) bool {
	return len(req.History) == 0 &&
		!req.Conversation.IsPlanning &&
		!req.Conversation.IsAgent
}

func (s *Service) recordChatMetric(mode, status string) {
	if s.metrics != nil {
		s.metrics.RecordChatRequest(mode, status)
	}
}

// runToolActivity gathers the tool calls and results produced after the
// prompt boundary, in execution order.
func runToolActivity(msgs []models.Message, promptLen int) ([]models.ToolCall, []models.ToolResult) {
	var calls []models.ToolCall
	var results []models.ToolResult
	for _, m := range msgs[min(promptLen, len(msgs)):] {
		switch m.Role {
		case models.RoleAssistant:
			calls = append(calls, m.ToolCalls...)
		case models.RoleTool:
			results = append(results, m.ToolResults...)
		}
	}
	return calls, results
}

// finalAssistantText returns the content of the last assistant turn that
// actually said something, skipping tool-call-only turns.
func finalAssistantText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(msgs[i].Content); text != "" {
			return text
		}
	}
	return ""
}
