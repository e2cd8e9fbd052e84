package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/braidhq/braid/pkg/models"
)

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestTokenStreamWithholdsMarkerAndSaves(t *testing.T) {
	fx := newFixture(t,
		scriptTurn{
			thinking: "weighing the options",
			tokens:   []string{`<!-- METADATA: {"legacy":true} -->`, "\nHello", " world"},
			input:    9, output: 3,
		},
	)
	conv, user, userMsg := fx.seedConversation(t, "say hello")

	ch, err := fx.svc.TokenStream(context.Background(), &Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	})
	if err != nil {
		t.Fatalf("TokenStream: %v", err)
	}
	events := collectEvents(t, ch)

	var text strings.Builder
	for _, e := range events {
		switch e.Kind {
		case EventToken:
			text.WriteString(e.Text)
		case EventThinking:
			t.Fatalf("token stream leaked a thinking event")
		}
	}
	if text.String() != "Hello world" {
		t.Fatalf("streamed text = %q, want marker withheld", text.String())
	}

	final := events[len(events)-1]
	if final.Kind != EventFinal {
		t.Fatalf("last event = %+v, want final", final)
	}
	if final.Content != "Hello world" {
		t.Fatalf("final content = %q", final.Content)
	}
	if final.Metadata["legacy"] != true {
		t.Fatalf("final metadata = %v", final.Metadata)
	}
	if final.Usage == nil || final.Usage.OutputTokens != 3 {
		t.Fatalf("final usage = %+v", final.Usage)
	}
	if final.MessageID == "" {
		t.Fatalf("final message id missing")
	}

	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 2 || msgs[1].Content != "Hello world" {
		t.Fatalf("persisted = %+v", msgs)
	}
}

func TestEventStreamEmitsToolLifecycle(t *testing.T) {
	fx := newFixture(t,
		scriptTurn{
			thinking:  "need the lookup",
			toolCalls: []models.ToolCall{{ID: "c1", Name: "lookup", Input: json.RawMessage(`{"key":"answer"}`)}},
		},
		scriptTurn{text: "The value is 42, straight from the lookup service.", input: 20, output: 11},
	)
	fx.registry.Register(&fakeTool{name: "lookup"})
	conv, user, userMsg := fx.seedConversation(t, "look up the answer")

	ch, err := fx.svc.EventStream(context.Background(), &Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	})
	if err != nil {
		t.Fatalf("EventStream: %v", err)
	}
	events := collectEvents(t, ch)

	want := []EventKind{EventThinking, EventToolStart, EventToolEnd, EventToken, EventFinal}
	got := kinds(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}

	start := events[1]
	if start.Tool != "lookup" || start.Display == nil || start.Display.Label == "" {
		t.Fatalf("tool_start = %+v", start)
	}
	if events[2].IsError {
		t.Fatalf("tool_end flagged error: %+v", events[2])
	}
	final := events[4]
	if len(final.ToolResults) != 1 || final.ToolResults[0].Name != "lookup" {
		t.Fatalf("final tool results = %+v", final.ToolResults)
	}
}

func TestStreamEmitsErrorEvent(t *testing.T) {
	fx := newFixture(t,
		scriptTurn{err: errors.New("invalid api key")},
	)
	conv, user, userMsg := fx.seedConversation(t, "break please")

	ch, err := fx.svc.TokenStream(context.Background(), &Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	})
	if err != nil {
		t.Fatalf("TokenStream: %v", err)
	}
	events := collectEvents(t, ch)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("events = %+v, want one error event", events)
	}
	if !strings.Contains(events[0].Err, "invalid api key") {
		t.Fatalf("error text = %q", events[0].Err)
	}

	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want nothing persisted on failure", len(msgs))
	}
}

func TestStreamSwallowsShutdownError(t *testing.T) {
	fx := newFixture(t,
		scriptTurn{err: errors.New("cannot schedule new futures after interpreter shutdown")},
	)
	conv, user, userMsg := fx.seedConversation(t, "racing a shutdown")

	ch, err := fx.svc.EventStream(context.Background(), &Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	})
	if err != nil {
		t.Fatalf("EventStream: %v", err)
	}
	events := collectEvents(t, ch)
	if len(events) != 0 {
		t.Fatalf("events = %+v, want a silent close on shutdown", events)
	}
}

func TestStreamRejectsInvalidRequestUpfront(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.TokenStream(context.Background(), &Request{
		Conversation: &models.Conversation{ID: "c1"},
		UserMessage:  &models.Message{ID: "m1", Content: ""},
	})
	if err == nil || !strings.Contains(err.Error(), "message content is required") {
		t.Fatalf("err = %v, want validation error before any events", err)
	}
}

func TestIsGracefulShutdown(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, true},
		{fmt.Errorf("run chat: %w", context.Canceled), true},
		{errors.New("cannot schedule new futures after interpreter shutdown"), true},
		{errors.New("invalid api key"), false},
	}
	for _, tc := range cases {
		if got := IsGracefulShutdown(tc.err); got != tc.want {
			t.Errorf("IsGracefulShutdown(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
