package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/braidhq/braid/internal/graph"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/internal/usage"
	"github.com/braidhq/braid/pkg/models"
)

// EventKind tags entries in a chat event stream.
type EventKind string

const (
	EventThinking    EventKind = "thinking"
	EventToolStart   EventKind = "tool_start"
	EventToolEnd     EventKind = "tool_end"
	EventToken       EventKind = "token"
	EventFinal       EventKind = "final"
	EventPlaceholder EventKind = "placeholder"
	EventError       EventKind = "error"
)

// Event is one entry in a chat stream. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind `json:"kind"`

	// Text carries token and thinking fragments.
	Text string `json:"text,omitempty"`

	// Tool, Detail, and Display describe tool_start events; IsError is set
	// on tool_end when the tool failed.
	Tool    string         `json:"tool,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Display *tools.Display `json:"display,omitempty"`
	IsError bool           `json:"is_error,omitempty"`

	// Content, Metadata, ToolResults, and Usage complete a final event.
	Content     string              `json:"content,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Usage       *usage.Usage        `json:"usage_info,omitempty"`

	// MessageID is the persisted assistant message id, set on placeholder
	// and final events.
	MessageID string `json:"message_id,omitempty"`

	// Err describes the failure on error events.
	Err string `json:"error,omitempty"`
}

// shutdownMarker is the distinguished substring clients match to tell a
// server drain from a crash. Kept verbatim for older dashboard builds.
const shutdownMarker = "cannot schedule new futures"

// IsGracefulShutdown reports whether err is the benign abort produced when
// the process drains mid-stream. Consumers end the stream quietly instead of
// surfacing a crash.
func IsGracefulShutdown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), shutdownMarker)
}

// TokenStream runs one turn and yields text fragments as they arrive,
// closing with a single final event for the persisted outcome. The metadata
// comment some models echo at the head of a response is withheld.
func (s *Service) TokenStream(ctx context.Context, req *Request) (<-chan Event, error) {
	return s.stream(ctx, req, false)
}

// EventStream runs one turn and yields the full tagged feed: thinking,
// tool_start, tool_end, token, then one final event.
func (s *Service) EventStream(ctx context.Context, req *Request) (<-chan Event, error) {
	return s.stream(ctx, req, true)
}

// RunEvents executes one turn, forwarding live events to emit as they
// happen. The metadata comment some models echo at the head of a response is
// withheld from token events. When allEvents is false only token fragments
// are forwarded. Nothing is persisted and no final or error event is
// emitted: the caller owns the save and the closing frame.
func (s *Service) RunEvents(ctx context.Context, req *Request, emit func(Event), allEvents bool) (*RunResult, error) {
	filter := &markerFilter{}
	hooks := &graph.Hooks{
		OnToken: func(text string) {
			if out := filter.feed(text); out != "" {
				emit(Event{Kind: EventToken, Text: out})
			}
		},
		OnToolStart: func(call models.ToolCall) {
			// A tool batch ends the assistant turn: release whatever
			// the filter held and re-arm it for the next turn.
			if tail := filter.flush(); tail != "" {
				emit(Event{Kind: EventToken, Text: tail})
			}
			filter.reset()
			if !allEvents {
				return
			}
			display := tools.DisplayFor(call.Name)
			emit(Event{
				Kind:    EventToolStart,
				Tool:    call.Name,
				Detail:  tools.DetailFor(call.Name, call.Input),
				Display: &display,
			})
		},
		OnToolEnd: func(call models.ToolCall, result models.ToolResult) {
			if !allEvents {
				return
			}
			emit(Event{Kind: EventToolEnd, Tool: call.Name, IsError: result.IsError})
		},
	}
	if allEvents {
		hooks.OnThinking = func(text string) {
			emit(Event{Kind: EventThinking, Text: text})
		}
	}

	run, err := s.Run(ctx, req, hooks)
	if err != nil {
		return nil, err
	}
	if tail := filter.flush(); tail != "" {
		emit(Event{Kind: EventToken, Text: tail})
	}
	return run, nil
}

func (s *Service) stream(ctx context.Context, req *Request, allEvents bool) (<-chan Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	mode := "token_stream"
	if allEvents {
		mode = "event_stream"
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		emit := func(e Event) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		}

		run, err := s.RunEvents(ctx, req, emit, allEvents)
		if err != nil {
			if IsGracefulShutdown(err) {
				s.logger.InfoContext(ctx, "stream ended by shutdown", "error", err)
				s.recordChatMetric(mode, "canceled")
				return
			}
			s.recordChatMetric(mode, "error")
			emit(Event{Kind: EventError, Err: err.Error()})
			return
		}

		msg, err := s.Save(ctx, req, run, SaveOptions{
			Mode:          models.CostModeChat,
			FirstExchange: IsFirstExchange(req),
		})
		if err != nil {
			s.recordChatMetric(mode, "error")
			emit(Event{Kind: EventError, Err: err.Error()})
			return
		}
		s.recordChatMetric(mode, "ok")
		u := run.Usage
		emit(Event{
			Kind:        EventFinal,
			Content:     run.Content,
			Metadata:    run.Metadata,
			ToolResults: run.ToolResults,
			Usage:       &u,
			MessageID:   msg.ID,
		})
	}()
	return ch, nil
}
