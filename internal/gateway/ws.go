package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/pkg/models"
)

const (
	wsMaxPayloadBytes = 32 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
)

// wsTurnRequest is one chat turn requested over the event feed socket.
type wsTurnRequest struct {
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	Files          []fileUpload `json:"files,omitempty"`
	Tools          []string     `json:"tools,omitempty"`
	Planning       bool         `json:"planning,omitempty"`
	Model          string       `json:"model,omitempty"`
}

// handleEventsWS serves the chat event feed over a WebSocket. Each text
// frame from the client requests one turn; the server answers with the same
// tagged events the SSE endpoint emits, one event per frame. Turns are
// processed serially per connection.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.writeError(w, r, &fault.ForbiddenError{Msg: "no authenticated user"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	ctx := r.Context()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var turn wsTurnRequest
		if err := json.Unmarshal(data, &turn); err != nil {
			if !s.writeWSEvent(conn, chat.Event{Kind: chat.EventError, Err: "malformed request frame"}) {
				return
			}
			continue
		}
		s.serveWSTurn(ctx, conn, user, &turn)

		// A long turn leaves the read deadline stale; re-arm it before
		// blocking on the next request.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}

// serveWSTurn runs one chat turn and forwards its event feed as text frames.
func (s *Server) serveWSTurn(ctx context.Context, conn *websocket.Conn, user *models.User, turn *wsTurnRequest) {
	req, ctx, err := s.buildChatRequest(ctx, user, turn.ConversationID, &messageRequest{
		Content:  turn.Content,
		Files:    turn.Files,
		Tools:    turn.Tools,
		Planning: turn.Planning,
		Model:    turn.Model,
	})
	if err != nil {
		s.writeWSEvent(conn, wsErrorEvent(err))
		return
	}

	events, err := s.chat.EventStream(ctx, req)
	if err != nil {
		s.writeWSEvent(conn, wsErrorEvent(err))
		return
	}
	for e := range events {
		if !s.writeWSEvent(conn, e) {
			// The socket is gone. Drain so the turn still finishes saving.
			for range events {
			}
			return
		}
	}
}

// writeWSEvent writes one event frame, reporting false when the connection
// is no longer usable.
func (s *Server) writeWSEvent(conn *websocket.Conn, e chat.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode ws event", "error", err)
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// wsErrorEvent renders err the way writeError does, as an in-band event.
func wsErrorEvent(err error) chat.Event {
	msg := err.Error()
	if fault.Code(err) == "internal_error" {
		msg = "internal error"
	}
	return chat.Event{Kind: chat.EventError, Err: msg}
}

// pingLoop keeps the connection alive between turns. WriteControl is safe to
// call concurrently with the data writes in serveWSTurn.
func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
