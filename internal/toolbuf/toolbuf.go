// Package toolbuf holds full tool outputs captured during a request.
//
// The model must not re-receive large binary payloads on the next turn, so
// the graph strips them from tool messages and captures the originals here.
// The save pipeline drains the buffer once per request and materializes
// files, sources, and generated images onto the persisted assistant message.
package toolbuf

import (
	"log/slog"
	"sync"
	"time"
)

// Capture is one tool's full output, visible to the server only.
type Capture struct {
	ToolCallID string
	Tool       string
	Payload    map[string]any
	Files      []CapturedFile
}

// CapturedFile is a binary produced by a tool, destined for the blob store.
type CapturedFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Sink receives captures for a single request. The graph threads a Sink
// through tool execution instead of discovering the request id ambiently.
type Sink interface {
	Capture(c Capture)
}

type entry struct {
	createdAt time.Time
	captures  []Capture
}

// Buffer is the process-wide request id to captures map. A janitor removes
// entries whose Take was missed, so a disconnected client cannot leak
// payloads for longer than the TTL.
type Buffer struct {
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the buffer.
type Option func(*Buffer)

// WithLogger configures the buffer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a buffer whose janitor wakes every interval and drops entries
// older than ttl. The janitor goroutine starts lazily on first use.
func New(ttl, interval time.Duration, opts ...Option) *Buffer {
	b := &Buffer{
		ttl:      ttl,
		interval: interval,
		logger:   slog.Default().With("component", "toolbuf"),
		now:      time.Now,
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SinkFor binds the buffer to one request id.
func (b *Buffer) SinkFor(requestID string) Sink {
	return &boundSink{buf: b, requestID: requestID}
}

type boundSink struct {
	buf       *Buffer
	requestID string
}

func (s *boundSink) Capture(c Capture) { s.buf.Store(s.requestID, c) }

// Store appends a capture for requestID, creating the entry if absent.
func (b *Buffer) Store(requestID string, c Capture) {
	b.mu.Lock()
	e, ok := b.entries[requestID]
	if !ok {
		e = &entry{createdAt: b.now()}
		b.entries[requestID] = e
	}
	e.captures = append(e.captures, c)
	b.ensureJanitorLocked()
	b.mu.Unlock()
}

// Take removes and returns the captures for requestID in store order.
// Subsequent calls return nil.
func (b *Buffer) Take(requestID string) []Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[requestID]
	if !ok {
		return nil
	}
	delete(b.entries, requestID)
	return e.captures
}

// Len reports the number of live entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close stops the janitor and waits for it to exit.
func (b *Buffer) Close() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Buffer) ensureJanitorLocked() {
	if b.started || b.interval <= 0 {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.janitor()
}

func (b *Buffer) janitor() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Buffer) sweep() {
	cutoff := b.now().Add(-b.ttl)
	b.mu.Lock()
	var evicted int
	for id, e := range b.entries {
		if e.createdAt.Before(cutoff) {
			delete(b.entries, id)
			evicted++
		}
	}
	b.mu.Unlock()
	if evicted > 0 {
		b.logger.Warn("evicted stale tool captures", "count", evicted, "ttl", b.ttl)
	}
}
