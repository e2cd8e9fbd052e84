// Package stream delivers chat turns over server-sent events. A producer
// goroutine runs the conversation graph while the HTTP handler drains a
// bounded queue, so a slow or vanished client never aborts the model call.
// A cleanup goroutine guarantees that every started stream ends in exactly
// one of two states: the assistant message is persisted, or the placeholder
// row is deleted.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

const (
	defaultQueueSize        = 256
	defaultCleanupTimeout   = 30 * time.Second
	defaultCleanupWaitDelay = 2 * time.Second
)

// Streamer turns chat requests into SSE responses.
type Streamer struct {
	chat    *chat.Service
	stores  store.Set
	cfg     config.ChatConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Options configures a Streamer. Chat and Stores are required.
type Options struct {
	Chat    *chat.Service
	Stores  store.Set
	Config  config.ChatConfig
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

func New(opts Options) *Streamer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Streamer{
		chat:    opts.Chat,
		stores:  opts.Stores,
		cfg:     opts.Config,
		logger:  logger.With("component", "stream"),
		metrics: opts.Metrics,
		now:     now,
	}
}

// session is the shared state of one streaming request: the producer fills
// the queue and final results, the consumer drains the queue, and the
// cleanup goroutine settles whatever is left when both are gone.
type session struct {
	queue         chan chat.Event
	placeholderID string
	final         *finalResults

	// baseCtx carries the request's ambient values without its
	// cancellation, so the save can outlive a client disconnect.
	baseCtx context.Context

	done           chan struct{}
	cleanupDone    chan struct{}
	consumerGone   chan struct{}
	goneOnce       sync.Once
	cancelProducer context.CancelFunc
}

func (sess *session) markConsumerGone() {
	sess.goneOnce.Do(func() { close(sess.consumerGone) })
}

// finalResults hands the completed run from the producer to whichever
// finisher saves first. The save is attempted at most once; later callers
// get the cached outcome.
type finalResults struct {
	mu    sync.Mutex
	run   *chat.RunResult
	msg   *models.Message
	err   error
	tried bool
}

func (f *finalResults) put(run *chat.RunResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = run
}

func (f *finalResults) has() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run != nil
}

func (f *finalResults) trySave(save func(*chat.RunResult) (*models.Message, error)) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.run == nil {
		return nil, errors.New("stream produced no final results")
	}
	if f.tried {
		return f.msg, f.err
	}
	f.tried = true
	f.msg, f.err = save(f.run)
	return f.msg, f.err
}

// ServeSSE streams one chat turn to w as "data: {json}\n\n" frames. Errors
// returned here happened before the stream opened and should be rendered as
// a plain HTTP error; once frames are flowing, failures travel on the wire
// as error events and ServeSSE returns nil.
func (s *Streamer) ServeSSE(w http.ResponseWriter, r *http.Request, req *chat.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}
	sess, err := s.start(r.Context(), req)
	if err != nil {
		return err
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.consume(r.Context(), w, flusher.Flush, sess, req)
	return nil
}

// start validates the request, inserts the optional placeholder row, and
// launches the producer and cleanup goroutines. The returned session is
// ready to be consumed.
func (s *Streamer) start(ctx context.Context, req *chat.Request) (*session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Goroutines lose the HTTP request context, and the save must survive
	// the client hanging up. Re-install the ambient values onto a context
	// that only we cancel.
	base := reqctx.Snapshot(ctx).Install(context.Background())

	sess := &session{
		queue:        make(chan chat.Event, s.queueSize()),
		final:        &finalResults{},
		baseCtx:      base,
		done:         make(chan struct{}),
		cleanupDone:  make(chan struct{}),
		consumerGone: make(chan struct{}),
	}

	if s.cfg.Placeholder {
		ph := &models.Message{
			ID:             uuid.NewString(),
			ConversationID: req.Conversation.ID,
			Role:           models.RoleAssistant,
			CreatedAt:      s.now().UTC(),
		}
		if err := s.stores.Conversations.AddMessage(ctx, ph); err != nil {
			return nil, fault.Fatal("insert stream placeholder", err)
		}
		sess.placeholderID = ph.ID
	}

	pctx, cancel := context.WithCancel(base)
	sess.cancelProducer = cancel
	go s.produce(pctx, sess, req)
	go s.cleanup(sess, req)
	return sess, nil
}

// produce runs the graph and feeds events into the session queue. The queue
// is closed when production ends, whatever the outcome; the final results
// are published before the final event so a finisher can never observe the
// event without them.
func (s *Streamer) produce(ctx context.Context, sess *session, req *chat.Request) {
	defer close(sess.done)
	defer close(sess.queue)

	emit := func(e chat.Event) {
		select {
		case sess.queue <- e:
		case <-sess.consumerGone:
			// Delivery is dead. Keep producing so the turn still gets saved.
		case <-ctx.Done():
		}
	}

	run, err := s.chat.RunEvents(ctx, req, emit, true)
	if err != nil {
		if chat.IsGracefulShutdown(err) {
			s.logger.InfoContext(ctx, "stream producer stopped by shutdown",
				"conversation_id", req.Conversation.ID, "error", err)
			return
		}
		s.logger.ErrorContext(ctx, "stream producer failed",
			"conversation_id", req.Conversation.ID, "error", err)
		emit(chat.Event{Kind: chat.EventError, Err: err.Error()})
		return
	}

	sess.final.put(run)
	u := run.Usage
	emit(chat.Event{
		Kind:        chat.EventFinal,
		Content:     run.Content,
		Metadata:    run.Metadata,
		ToolResults: run.ToolResults,
		Usage:       &u,
	})
}

// consume drains the queue into w. On the final event it saves first, so
// the frame the client sees carries the persisted message id.
func (s *Streamer) consume(ctx context.Context, w io.Writer, flush func(), sess *session, req *chat.Request) {
	defer sess.markConsumerGone()

	if sess.placeholderID != "" {
		if err := s.writeEvent(w, flush, chat.Event{Kind: chat.EventPlaceholder, MessageID: sess.placeholderID}); err != nil {
			return
		}
	}
	for {
		select {
		case e, ok := <-sess.queue:
			if !ok {
				return
			}
			if e.Kind == chat.EventFinal {
				msg, err := s.save(sess, req)
				if err != nil {
					s.recordSave("consumer", "error")
					_ = s.writeEvent(w, flush, chat.Event{Kind: chat.EventError, Err: err.Error()})
					return
				}
				s.recordSave("consumer", "ok")
				e.MessageID = msg.ID
			}
			if err := s.writeEvent(w, flush, e); err != nil {
				s.logger.Debug("stream client went away", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// cleanup settles the session after the producer finishes or times out.
// Whichever finisher runs the save first wins; if nothing was saved the
// placeholder is removed so the conversation never shows an empty bubble.
func (s *Streamer) cleanup(sess *session, req *chat.Request) {
	defer close(sess.cleanupDone)

	timer := time.NewTimer(s.cleanupTimeout())
	defer timer.Stop()
	select {
	case <-sess.done:
	case <-timer.C:
		s.logger.Warn("stream producer exceeded cleanup deadline",
			"conversation_id", req.Conversation.ID)
		sess.cancelProducer()
		<-sess.done
	}

	// Give the consumer a beat to commit the final event it may be holding.
	time.Sleep(s.cleanupWaitDelay())

	ctx := sess.baseCtx
	if sess.final.has() {
		if s.assistantSaved(ctx, req, sess) {
			return
		}
		msg, err := s.save(sess, req)
		if err == nil && msg != nil {
			s.recordSave("cleanup", "ok")
			return
		}
		s.recordSave("cleanup", "error")
		s.logger.ErrorContext(ctx, "stream cleanup save failed",
			"conversation_id", req.Conversation.ID, "error", err)
	}

	if sess.placeholderID == "" {
		return
	}
	if err := s.stores.Conversations.DeleteMessage(ctx, sess.placeholderID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.ErrorContext(ctx, "delete stream placeholder",
				"message_id", sess.placeholderID, "error", err)
		}
		return
	}
	s.logger.InfoContext(ctx, "stream placeholder deleted",
		"message_id", sess.placeholderID, "conversation_id", req.Conversation.ID)
}

// save persists the final results exactly once per session, routing through
// the shared finalResults guard so the consumer and cleanup cannot both
// drain the tool buffer.
func (s *Streamer) save(sess *session, req *chat.Request) (*models.Message, error) {
	return sess.final.trySave(func(run *chat.RunResult) (*models.Message, error) {
		return s.chat.Save(sess.baseCtx, req, run, chat.SaveOptions{
			Mode:          models.CostModeChat,
			PlaceholderID: sess.placeholderID,
			FirstExchange: chat.IsFirstExchange(req),
		})
	})
}

// assistantSaved reports whether the turn already landed in the store: the
// conversation's last message is an assistant row with content. An empty
// placeholder does not count.
func (s *Streamer) assistantSaved(ctx context.Context, req *chat.Request, sess *session) bool {
	last, err := s.stores.Conversations.LastMessage(ctx, req.Conversation.ID)
	if err != nil || last == nil {
		return false
	}
	if last.Role != models.RoleAssistant {
		return false
	}
	return last.Content != "" || len(last.ToolCalls) > 0
}

func (s *Streamer) writeEvent(w io.Writer, flush func(), e chat.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flush()
	if s.metrics != nil {
		s.metrics.RecordStreamEvent(string(e.Kind))
	}
	return nil
}

func (s *Streamer) recordSave(path, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordStreamSave(path, outcome)
	}
}

func (s *Streamer) queueSize() int {
	if s.cfg.StreamQueueSize > 0 {
		return s.cfg.StreamQueueSize
	}
	return defaultQueueSize
}

func (s *Streamer) cleanupTimeout() time.Duration {
	if s.cfg.StreamCleanupTimeout > 0 {
		return s.cfg.StreamCleanupTimeout
	}
	return defaultCleanupTimeout
}

func (s *Streamer) cleanupWaitDelay() time.Duration {
	if s.cfg.StreamCleanupWaitDelay > 0 {
		return s.cfg.StreamCleanupWaitDelay
	}
	return defaultCleanupWaitDelay
}
