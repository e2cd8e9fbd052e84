package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

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
	text     string
	tokens   []string
	thinking string
	err      error
	input    int64
	output   int64
}

type scriptedCompleter struct {
	mu    sync.Mutex
	turns []scriptTurn
}

func (c *scriptedCompleter) Complete(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) == 0 {
		return nil, errors.New("script exhausted")
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan *llm.Chunk, len(turn.tokens)+3)
	go func() {
		defer close(ch)
		if turn.thinking != "" {
			ch <- &llm.Chunk{Thinking: turn.thinking}
		}
		if len(turn.tokens) > 0 {
			for _, tok := range turn.tokens {
				ch <- &llm.Chunk{Text: tok}
			}
		} else if turn.text != "" {
			ch <- &llm.Chunk{Text: turn.text}
		}
		ch <- &llm.Chunk{Done: true, InputTokens: turn.input, OutputTokens: turn.output}
	}()
	return ch, nil
}

type fixture struct {
	streamer *Streamer
	svc      *chat.Service
	stores   store.Set
}

func newFixture(t *testing.T, cfg config.ChatConfig, turns ...scriptTurn) *fixture {
	t.Helper()
	completer := &scriptedCompleter{turns: turns}
	stores := store.NewMemoryStores()
	buffer := toolbuf.New(time.Minute, time.Minute)
	t.Cleanup(func() { buffer.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := steppingClock()
	g := graph.New(completer, tools.NewRegistry(), graph.Config{},
		graph.WithLogger(logger),
		graph.WithRetryPolicy(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		graph.WithClock(clk),
	)
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	// Keep cleanup fast but give slow CI plenty of producer headroom.
	if cfg.StreamCleanupWaitDelay == 0 {
		cfg.StreamCleanupWaitDelay = time.Millisecond
	}
	if cfg.StreamCleanupTimeout == 0 {
		cfg.StreamCleanupTimeout = 5 * time.Second
	}
	svc := chat.NewService(chat.Options{
		Graph:     g,
		Stores:    stores,
		Blobs:     blob.NewMemoryStore(),
		Buffer:    buffer,
		Completer: completer,
		Config:    cfg,
		Logger:    logger,
		Clock:     clk,
	})
	streamer := New(Options{
		Chat:   svc,
		Stores: stores,
		Config: cfg,
		Logger: logger,
		Clock:  clk,
	})
	return &fixture{streamer: streamer, svc: svc, stores: stores}
}

func (f *fixture) seedConversation(t *testing.T, content string) (*models.Conversation, *models.User, *models.Message) {
	t.Helper()
	ctx := context.Background()
	user, err := f.stores.Users.FindOrCreate(ctx, "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	conv := &models.Conversation{ID: "conv-1", UserID: user.ID, Title: "New conversation", CreatedAt: testBase}
	if err := f.stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg, err := f.svc.AppendUserMessage(ctx, conv, content, nil)
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	return conv, user, msg
}

func historyRow() []*models.Message {
	return []*models.Message{{ID: "m0", Role: models.RoleUser, Content: "earlier", CreatedAt: testBase.Add(-time.Hour)}}
}

// parseFrames decodes a raw SSE body into its events.
func parseFrames(t *testing.T, body string) []chat.Event {
	t.Helper()
	var events []chat.Event
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		raw, ok := strings.CutPrefix(block, "data: ")
		if !ok {
			t.Fatalf("frame %q missing data prefix", block)
		}
		var e chat.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			t.Fatalf("decode frame %q: %v", raw, err)
		}
		events = append(events, e)
	}
	return events
}

func TestServeSSEStreamsAndFillsPlaceholder(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true},
		scriptTurn{thinking: "deciding how to greet", tokens: []string{"Hello ", "world"}, input: 12, output: 3},
	)
	conv, user, userMsg := fx.seedConversation(t, "greet me")

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/conversations/conv-1/messages", nil)
	if err := fx.streamer.ServeSSE(rec, httpReq, &chat.Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	}); err != nil {
		t.Fatalf("ServeSSE: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := parseFrames(t, rec.Body.String())
	if len(events) != 5 {
		t.Fatalf("events = %d (%+v), want placeholder + thinking + 2 tokens + final", len(events), events)
	}
	if events[0].Kind != chat.EventPlaceholder || events[0].MessageID == "" {
		t.Fatalf("first frame = %+v, want placeholder with id", events[0])
	}
	placeholderID := events[0].MessageID
	if events[1].Kind != chat.EventThinking {
		t.Fatalf("second frame = %+v, want thinking", events[1])
	}
	if events[2].Text != "Hello " || events[3].Text != "world" {
		t.Fatalf("token frames = %+v %+v", events[2], events[3])
	}

	final := events[4]
	if final.Kind != chat.EventFinal || final.Content != "Hello world" {
		t.Fatalf("final frame = %+v", final)
	}
	if final.MessageID != placeholderID {
		t.Fatalf("final message id = %q, want placeholder %q", final.MessageID, placeholderID)
	}
	if final.Usage == nil || final.Usage.OutputTokens != 3 {
		t.Fatalf("final usage = %+v", final.Usage)
	}

	msgs, err := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want user + filled placeholder", len(msgs))
	}
	if msgs[1].ID != placeholderID || msgs[1].Content != "Hello world" {
		t.Fatalf("assistant row = %+v", msgs[1])
	}
}

func TestServeSSEWithoutPlaceholder(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{},
		scriptTurn{text: "Plain reply.", input: 4, output: 2},
	)
	conv, user, userMsg := fx.seedConversation(t, "hi")

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/conversations/conv-1/messages", nil)
	if err := fx.streamer.ServeSSE(rec, httpReq, &chat.Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		History:      historyRow(),
	}); err != nil {
		t.Fatalf("ServeSSE: %v", err)
	}

	events := parseFrames(t, rec.Body.String())
	if len(events) == 0 || events[0].Kind == chat.EventPlaceholder {
		t.Fatalf("events = %+v, want no placeholder frame", events)
	}
	final := events[len(events)-1]
	if final.Kind != chat.EventFinal || final.MessageID == "" {
		t.Fatalf("final frame = %+v", final)
	}
	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 2 || msgs[1].ID != final.MessageID {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestCleanupSavesWhenClientDisconnects(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true},
		scriptTurn{text: "Saved without a reader.", input: 6, output: 4},
	)
	conv, user, userMsg := fx.seedConversation(t, "keep going without me")
	req := &chat.Request{Conversation: conv, User: user, UserMessage: userMsg, History: historyRow()}

	sess, err := fx.streamer.start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// The client vanished before reading a single frame.
	sess.markConsumerGone()
	<-sess.cleanupDone

	msgs, err := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want user + assistant", len(msgs))
	}
	saved := msgs[1]
	if saved.ID != sess.placeholderID || saved.Content != "Saved without a reader." {
		t.Fatalf("assistant row = %+v", saved)
	}
	spend, err := fx.stores.Costs.DailySpend(context.Background(), conv.ID, time.Time{})
	if err != nil || spend <= 0 {
		t.Fatalf("cost row missing: spend=%v err=%v", spend, err)
	}
}

func TestProducerErrorDeletesPlaceholder(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true},
		scriptTurn{err: errors.New("invalid api key")},
	)
	conv, user, userMsg := fx.seedConversation(t, "fail please")
	req := &chat.Request{Conversation: conv, User: user, UserMessage: userMsg, History: historyRow()}

	sess, err := fx.streamer.start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var body strings.Builder
	fx.streamer.consume(context.Background(), &body, func() {}, sess, req)
	<-sess.cleanupDone

	events := parseFrames(t, body.String())
	if len(events) != 2 {
		t.Fatalf("events = %+v, want placeholder + error", events)
	}
	if events[1].Kind != chat.EventError || !strings.Contains(events[1].Err, "invalid api key") {
		t.Fatalf("error frame = %+v", events[1])
	}

	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("stored messages = %+v, want the placeholder gone", msgs)
	}
}

func TestShutdownAbortEndsStreamQuietly(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true},
		scriptTurn{err: errors.New("cannot schedule new futures after shutdown")},
	)
	conv, user, userMsg := fx.seedConversation(t, "drain mid-flight")
	req := &chat.Request{Conversation: conv, User: user, UserMessage: userMsg, History: historyRow()}

	sess, err := fx.streamer.start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var body strings.Builder
	fx.streamer.consume(context.Background(), &body, func() {}, sess, req)
	<-sess.cleanupDone

	events := parseFrames(t, body.String())
	if len(events) != 1 || events[0].Kind != chat.EventPlaceholder {
		t.Fatalf("events = %+v, want only the placeholder frame", events)
	}
	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("stored messages = %+v, want the placeholder gone", msgs)
	}
}

func TestSaveRunsOncePerSession(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true},
		scriptTurn{text: "Exactly one save.", input: 8, output: 5},
	)
	conv, user, userMsg := fx.seedConversation(t, "count my rows")
	req := &chat.Request{Conversation: conv, User: user, UserMessage: userMsg, History: historyRow()}

	sess, err := fx.streamer.start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var body strings.Builder
	fx.streamer.consume(context.Background(), &body, func() {}, sess, req)

	spendAfterConsumer, err := fx.stores.Costs.DailySpend(context.Background(), conv.ID, time.Time{})
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	<-sess.cleanupDone
	spendAfterCleanup, _ := fx.stores.Costs.DailySpend(context.Background(), conv.ID, time.Time{})
	if spendAfterCleanup != spendAfterConsumer {
		t.Fatalf("spend moved from %v to %v, cost recorded twice", spendAfterConsumer, spendAfterCleanup)
	}
	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("stored messages = %d, want exactly user + assistant", len(msgs))
	}
}

func TestServeSSERejectsInvalidRequest(t *testing.T) {
	fx := newFixture(t, config.ChatConfig{Placeholder: true})
	conv, user, _ := fx.seedConversation(t, "seed")

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/conversations/conv-1/messages", nil)
	err := fx.streamer.ServeSSE(rec, httpReq, &chat.Request{
		Conversation: conv,
		User:         user,
		UserMessage:  &models.Message{ID: "m1", Content: "   "},
	})
	if err == nil || !strings.Contains(err.Error(), "message content is required") {
		t.Fatalf("err = %v, want validation error", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want nothing written", rec.Body.String())
	}
	msgs, _ := fx.stores.Conversations.Messages(context.Background(), conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("stored messages = %d, want no placeholder for a rejected request", len(msgs))
	}
}
