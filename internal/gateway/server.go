// Package gateway exposes braid over HTTP: the SSE chat endpoint, approval
// decisions, the WebSocket event feed, and the operational endpoints. The
// surface stays thin — routing and request decoding live here, everything
// else is delegated to the chat, stream, and approval services.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/braidhq/braid/internal/approval"
	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/config"
	"github.com/braidhq/braid/internal/observability"
	"github.com/braidhq/braid/internal/stream"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/internal/tools"
)

const (
	defaultAddr              = ":8080"
	defaultReadHeaderTimeout = 10 * time.Second
)

// Server is braid's HTTP surface.
type Server struct {
	auth      *auth.Authenticator
	chat      *chat.Service
	streamer  *stream.Streamer
	approvals *approval.Service
	stores    store.Set
	dashboard tools.DashboardSource
	cfg       config.ServerConfig
	logger    *slog.Logger
	metrics   *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
}

// Options wires the server dependencies. Auth, Chat, Streamer, Approvals,
// and Stores are required; the rest default sensibly.
type Options struct {
	Auth      *auth.Authenticator
	Chat      *chat.Service
	Streamer  *stream.Streamer
	Approvals *approval.Service
	Stores    store.Set
	// Dashboard seeds the planner dashboard holder on planning requests.
	// Nil leaves the holder empty until refresh_planner_dashboard fills it.
	Dashboard tools.DashboardSource
	Config    config.ServerConfig
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// New builds a server from opts.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:      opts.Auth,
		chat:      opts.Chat,
		streamer:  opts.Streamer,
		approvals: opts.Approvals,
		stores:    opts.Stores,
		dashboard: opts.Dashboard,
		cfg:       opts.Config,
		logger:    logger.With("component", "gateway"),
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the routed handler with middleware applied. Exposed so
// tests can drive the surface without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /v1/conversations/{id}/messages", s.withAuth(s.handleConversationMessage))
	mux.Handle("POST /v1/approvals/{id}", s.withAuth(s.handleApprovalDecision))
	mux.Handle("GET /v1/events/ws", s.withAuth(s.handleEventsWS))

	return s.withObservability(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	readHeaderTimeout := s.cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.InfoContext(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
