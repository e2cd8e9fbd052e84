package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/chat"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

// maxBodyBytes caps request bodies. Attachments ride inline as base64, so
// the limit is well above typical JSON payloads.
const maxBodyBytes = 32 << 20

// messageRequest is the body of POST /v1/conversations/{id}/messages and of
// a turn frame on the event feed socket.
type messageRequest struct {
	Content  string       `json:"content"`
	Files    []fileUpload `json:"files,omitempty"`
	Tools    []string     `json:"tools,omitempty"`
	Planning bool         `json:"planning,omitempty"`
	Model    string       `json:"model,omitempty"`
}

// fileUpload is one attachment. Data is base64 on the wire.
type fileUpload struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// handleConversationMessage streams one chat turn as server-sent events.
func (s *Server) handleConversationMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.writeError(w, r, &fault.ForbiddenError{Msg: "no authenticated user"})
		return
	}

	var body messageRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	req, ctx, err := s.buildChatRequest(r.Context(), user, r.PathValue("id"), &body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Once frames are flowing, failures travel on the wire as error events;
	// an error here happened before the stream opened.
	if err := s.streamer.ServeSSE(w, r.WithContext(ctx), req); err != nil {
		s.writeError(w, r, err)
	}
}

// handleApprovalDecision applies the user's decision to a pending approval
// request and returns the updated row.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		s.writeError(w, r, &fault.ForbiddenError{Msg: "no authenticated user"})
		return
	}

	var body struct {
		Decision string `json:"decision"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	decided, err := s.approvals.Decide(r.Context(), r.PathValue("id"), user.ID, body.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decided)
}

// buildChatRequest loads the owned conversation, persists the user message
// with its attachments, and assembles the turn request plus the ambient
// context both stream transports need.
func (s *Server) buildChatRequest(ctx context.Context, user *models.User, conversationID string, body *messageRequest) (*chat.Request, context.Context, error) {
	if conversationID == "" {
		return nil, nil, &fault.ValidationError{Field: "conversation_id", Msg: "conversation id is required"}
	}
	conv, err := s.stores.Conversations.GetOwned(ctx, conversationID, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, &fault.NotFoundError{Resource: "conversation", ID: conversationID}
		}
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}

	files := make([]reqctx.File, 0, len(body.Files))
	for _, f := range body.Files {
		files = append(files, reqctx.File{Name: f.Name, MimeType: f.MimeType, Data: f.Data})
	}

	// History is read before the new message lands so it holds only the
	// prior conversation.
	history, err := s.stores.Conversations.Messages(ctx, conv.ID)
	if err != nil {
		return nil, nil, fault.Fatal("load history", err)
	}
	userMsg, err := s.chat.AppendUserMessage(ctx, conv, body.Content, files)
	if err != nil {
		return nil, nil, err
	}

	ctx = reqctx.WithScope(ctx, reqctx.Scope{ConversationID: conv.ID, UserID: user.ID})
	if len(files) > 0 {
		ctx = reqctx.WithFiles(ctx, files)
	}
	if conv.IsPlanning {
		holder := &reqctx.Dashboard{}
		if s.dashboard != nil {
			// Seeding is best-effort; a failed read leaves the holder empty
			// and the prompt degrades to the bare planner section.
			if snapshot, err := s.dashboard(ctx, user.ID); err != nil {
				s.logger.WarnContext(ctx, "seed planner dashboard", "user_id", user.ID, "error", err)
			} else {
				holder.Set(snapshot)
			}
		}
		ctx = reqctx.WithDashboard(ctx, holder)
	}

	return &chat.Request{
		Conversation: conv,
		User:         user,
		UserMessage:  userMsg,
		Files:        files,
		History:      history,
		Tools:        body.Tools,
		Planning:     body.Planning || conv.IsPlanning,
		Model:        body.Model,
	}, ctx, nil
}

// decodeJSON decodes the request body into dst with the standard size cap.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &fault.ValidationError{Field: "body", Msg: "malformed JSON body"}
	}
	return nil
}
