// Package fault defines the error taxonomy shared across braid.
//
// Errors fall into eight classes. Validation, not-found, and forbidden
// errors surface at the HTTP boundary as 400/404/403. Transient errors are
// absorbed by the retry wrapper. ToolBlocked is a normal in-graph condition
// the model self-corrects from. ApprovalRequired is control flow, never a
// failure. BudgetExceeded fails an autonomous run before any LLM call.
// Everything else is Fatal: logged with a stack, the execution marked
// failed, and the process keeps going.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ValidationError reports malformed input: an empty prompt, a bad cron
// expression, an invalid aspect ratio. HTTP 400.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NotFoundError reports a missing conversation, message, or agent for the
// requesting user. HTTP 404.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ForbiddenError reports an ownership or allow-list violation. HTTP 403.
type ForbiddenError struct {
	Msg string
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Msg }

// ToolBlockedError is returned by the permission guard when an autonomous
// agent invokes a tool outside its allow-list. Inside the graph it becomes
// an error tool result so the model sees the failure and self-corrects.
type ToolBlockedError struct {
	Tool string
}

func (e *ToolBlockedError) Error() string {
	return fmt.Sprintf("tool blocked: %s is not permitted for this agent", e.Tool)
}

// ApprovalRequiredError is raised by the request_approval tool after it has
// persisted a pending ApprovalRequest. It is control flow: the graph aborts
// the run with it and the autonomous executor translates it into the
// waiting_approval outcome. It must never be retried or treated as failure.
type ApprovalRequiredError struct {
	ApprovalID  string
	Description string
	ToolName    string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval requested: %s (id: %s)", e.Description, e.ApprovalID)
}

// BudgetExceededError fails an autonomous run at the precondition check,
// before any LLM call is made.
type BudgetExceededError struct {
	AgentID  string
	LimitUSD float64
	SpentUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("exceeded daily budget limit: spent $%.4f of $%.4f", e.SpentUSD, e.LimitUSD)
}

// FatalError wraps an unexpected failure during graph execution, saving, or
// cost computation. The caller logs it with a stack and marks the current
// unit of work failed; the process continues.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError unless it already carries a more specific
// class from this package.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		approval *ApprovalRequiredError
		blocked  *ToolBlockedError
		budget   *BudgetExceededError
		fatal    *FatalError
	)
	if errors.As(err, &approval) || errors.As(err, &blocked) || errors.As(err, &budget) ||
		errors.As(err, &fatal) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// transientMarkers are the error-string fragments that mark a transient
// failure regardless of the concrete error type. Vendors disagree about
// error wrapping, so substring matching stays load-bearing here.
var transientMarkers = []string{
	"rate limit",
	"quota exceeded",
	"temporarily unavailable",
	"service unavailable",
	"503",
	"429",
	"timeout",
	"connection reset",
	"connection refused",
	"resource exhausted",
	"deadline exceeded",
	"overloaded",
}

// IsTransient reports whether err is worth retrying: connection, timeout,
// and OS-level I/O errors, the vendor resource-exhausted class, or an error
// string carrying a known transient marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Control-flow and policy errors are never transient, whatever their text.
	var (
		approval *ApprovalRequiredError
		blocked  *ToolBlockedError
		budget   *BudgetExceededError
		valid    *ValidationError
		notFound *NotFoundError
		forbid   *ForbiddenError
	)
	if errors.As(err, &approval) || errors.As(err, &blocked) || errors.As(err, &budget) ||
		errors.As(err, &valid) || errors.As(err, &notFound) || errors.As(err, &forbid) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// TransientText reports whether free text reads like a transient failure.
// Tool results arrive as strings, not errors, so the self-correction gate
// matches on the same markers IsTransient uses.
func TransientText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range transientMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	var (
		valid    *ValidationError
		notFound *NotFoundError
		forbid   *ForbiddenError
		blocked  *ToolBlockedError
		approval *ApprovalRequiredError
		budget   *BudgetExceededError
	)
	switch {
	case errors.As(err, &valid):
		return "validation_error"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &forbid):
		return "forbidden"
	case errors.As(err, &blocked):
		return "tool_blocked"
	case errors.As(err, &approval):
		return "approval_required"
	case errors.As(err, &budget):
		return "budget_exceeded"
	case IsTransient(err):
		return "transient"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the status the gateway responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "validation_error":
		return 400
	case "forbidden":
		return 403
	case "not_found":
		return 404
	case "transient":
		return 503
	default:
		return 500
	}
}
