// Package approval owns the user-decision side of the approval flow: the
// marker message an agent leaves in its conversation while paused, and the
// approve/reject path the gateway exposes.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

const (
	markerPrefix = "[approval-request:"
	markerBody   = "**Action requires approval**"
)

// Marker renders the assistant message content written when an agent pauses
// for approval. Clients key on this exact layout to render the approval
// card, so the format is part of the wire contract.
func Marker(approvalID, description string) string {
	return fmt.Sprintf("%s%s]\n%s\n\n%s", markerPrefix, approvalID, markerBody, description)
}

// ParseMarker extracts the approval id from a marker message, reporting ok
// false for ordinary content.
func ParseMarker(content string) (approvalID string, ok bool) {
	if !strings.HasPrefix(content, markerPrefix) {
		return "", false
	}
	rest := content[len(markerPrefix):]
	end := strings.IndexByte(rest, ']')
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

// Service decides approval requests on behalf of their owning user.
type Service struct {
	approvals store.ApprovalStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(approvals store.ApprovalStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		approvals: approvals,
		logger:    logger.With("component", "approval"),
		now:       time.Now,
	}
}

// Decide moves a pending request to approved or rejected. The decision does
// not resume the agent; its next scheduled or manual run reads the outcome
// from the conversation.
func (s *Service) Decide(ctx context.Context, id, userID, decision string) (*models.ApprovalRequest, error) {
	var status models.ApprovalStatus
	switch decision {
	case "approved":
		status = models.ApprovalApproved
	case "rejected":
		status = models.ApprovalRejected
	default:
		return nil, &fault.ValidationError{Field: "decision", Msg: `must be "approved" or "rejected"`}
	}

	req, err := s.approvals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &fault.NotFoundError{Resource: "approval request", ID: id}
		}
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	if req.UserID != userID {
		// Same response as missing so ids cannot be probed across users.
		return nil, &fault.NotFoundError{Resource: "approval request", ID: id}
	}

	decidedAt := s.now().UTC()
	if err := s.approvals.Decide(ctx, id, status, decidedAt); err != nil {
		if errors.Is(err, store.ErrAlreadyDecided) {
			return nil, &fault.ValidationError{Field: "decision", Msg: "approval already decided"}
		}
		return nil, fmt.Errorf("decide approval request: %w", err)
	}

	s.logger.InfoContext(ctx, "approval decided",
		"approval_id", id,
		"agent_id", req.AgentID,
		"status", status)

	req.Status = status
	req.DecidedAt = decidedAt
	return req, nil
}

// Pending lists the user's undecided requests, newest first.
func (s *Service) Pending(ctx context.Context, userID string) ([]*models.ApprovalRequest, error) {
	reqs, err := s.approvals.ListPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return reqs, nil
}
