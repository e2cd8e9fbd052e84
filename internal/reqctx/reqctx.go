// Package reqctx carries per-request ambient values through a context.Context:
// the request id, the conversation scope, files attached to the current user
// message, the autonomous run descriptor, and the planner dashboard holder.
//
// Values never cross goroutine boundaries implicitly. Code that hands work to
// another goroutine calls Snapshot on the producing side and Install on the
// consuming side.
package reqctx

import (
	"context"
	"sync"

	"github.com/braidhq/braid/pkg/models"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyScope
	keyFiles
	keyAgentRun
	keyDashboard
)

// Scope identifies the conversation a request operates on.
type Scope struct {
	ConversationID string
	UserID         string
}

// File is an attachment on the current user message, held in memory until
// the message is persisted and the bytes move to the blob store.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// AgentRun describes the autonomous execution a context belongs to. The
// trigger chain lists every agent id already involved in this run, root
// first, and is how trigger_agent refuses cycles.
type AgentRun struct {
	Agent        *models.Agent
	User         *models.User
	ExecutionID  string
	Trigger      models.TriggerType
	TriggerChain []string
}

// InChain reports whether agentID already appears in the trigger chain.
func (r *AgentRun) InChain(agentID string) bool {
	if r == nil {
		return false
	}
	for _, id := range r.TriggerChain {
		if id == agentID {
			return true
		}
	}
	return false
}

// Dashboard is the mutable planner dashboard for one request. It is written
// by the refresh_dashboard tool and read when the assistant message is
// saved. A single request owns it; the mutex only covers the tool goroutine
// against the save path.
type Dashboard struct {
	mu      sync.Mutex
	content string
	set     bool
}

func (d *Dashboard) Set(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = content
	d.set = true
}

func (d *Dashboard) Get() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.set
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the ambient request id, or "" outside a request scope.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, keyScope, s)
}

// ScopeFrom returns the conversation scope and whether one is set.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(keyScope).(Scope)
	return s, ok
}

func WithFiles(ctx context.Context, files []File) context.Context {
	return context.WithValue(ctx, keyFiles, files)
}

// FilesFrom returns the attachments on the current user message, nil when
// there are none.
func FilesFrom(ctx context.Context) []File {
	if v, ok := ctx.Value(keyFiles).([]File); ok {
		return v
	}
	return nil
}

func WithAgentRun(ctx context.Context, run *AgentRun) context.Context {
	return context.WithValue(ctx, keyAgentRun, run)
}

// AgentRunFrom returns the autonomous run descriptor, or nil during
// interactive chat.
func AgentRunFrom(ctx context.Context) *AgentRun {
	if v, ok := ctx.Value(keyAgentRun).(*AgentRun); ok {
		return v
	}
	return nil
}

func WithDashboard(ctx context.Context, d *Dashboard) context.Context {
	return context.WithValue(ctx, keyDashboard, d)
}

// DashboardFrom returns the planner dashboard holder, or nil for
// non-planning conversations.
func DashboardFrom(ctx context.Context) *Dashboard {
	if v, ok := ctx.Value(keyDashboard).(*Dashboard); ok {
		return v
	}
	return nil
}

// Snap is a detached copy of every ambient slot, safe to hand to another
// goroutine.
type Snap struct {
	requestID string
	scope     Scope
	hasScope  bool
	files     []File
	run       *AgentRun
	dashboard *Dashboard
}

// Snapshot captures the ambient values from ctx.
func Snapshot(ctx context.Context) Snap {
	s := Snap{
		requestID: RequestID(ctx),
		files:     FilesFrom(ctx),
		run:       AgentRunFrom(ctx),
		dashboard: DashboardFrom(ctx),
	}
	s.scope, s.hasScope = ScopeFrom(ctx)
	return s
}

// Install layers the snapshot onto ctx, which is typically a fresh
// background context on the far side of a goroutine boundary.
func (s Snap) Install(ctx context.Context) context.Context {
	if s.requestID != "" {
		ctx = WithRequestID(ctx, s.requestID)
	}
	if s.hasScope {
		ctx = WithScope(ctx, s.scope)
	}
	if s.files != nil {
		ctx = WithFiles(ctx, s.files)
	}
	if s.run != nil {
		ctx = WithAgentRun(ctx, s.run)
	}
	if s.dashboard != nil {
		ctx = WithDashboard(ctx, s.dashboard)
	}
	return ctx
}
