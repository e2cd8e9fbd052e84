package fault

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit text", errors.New("openai: Rate limit exceeded on tokens"), true},
		{"quota text", errors.New("google: quota exceeded for model"), true},
		{"status 429", errors.New("request failed with status 429"), true},
		{"status 503", errors.New("upstream returned 503"), true},
		{"service unavailable", errors.New("anthropic: service unavailable"), true},
		{"temporarily unavailable", errors.New("backend temporarily unavailable"), true},
		{"timeout text", errors.New("i/o timeout waiting for response"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), true},
		{"overloaded", errors.New("overloaded_error: Overloaded"), true},
		{"econnreset", fmt.Errorf("send: %w", syscall.ECONNRESET), true},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"epipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"etimedout", fmt.Errorf("connect: %w", syscall.ETIMEDOUT), true},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"auth failure", errors.New("invalid api key"), false},
		{"plain failure", errors.New("model returned malformed response"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransientNeverPromotesControlFlow(t *testing.T) {
	// Even when the text contains a transient marker, policy and
	// control-flow errors must not be retried.
	errs := []error{
		&ApprovalRequiredError{ApprovalID: "ap-1", Description: "send email about rate limit"},
		&ToolBlockedError{Tool: "send_email"},
		&BudgetExceededError{AgentID: "ag-1", LimitUSD: 1, SpentUSD: 2},
		&ValidationError{Field: "schedule", Msg: "bad cron expression near 429"},
		&NotFoundError{Resource: "conversation", ID: "503"},
		&ForbiddenError{Msg: "timeout is not yours"},
	}
	for _, err := range errs {
		if IsTransient(err) {
			t.Errorf("IsTransient(%T) = true, want false", err)
		}
	}
	wrapped := fmt.Errorf("run agent: %w", &ApprovalRequiredError{ApprovalID: "ap-2", Description: "d"})
	if IsTransient(wrapped) {
		t.Error("IsTransient(wrapped approval) = true, want false")
	}
}

func TestFatalPreservesSpecificClasses(t *testing.T) {
	approval := &ApprovalRequiredError{ApprovalID: "ap-3", Description: "post tweet", ToolName: "post_tweet"}
	got := Fatal("graph", fmt.Errorf("node tools: %w", approval))
	var back *ApprovalRequiredError
	if !errors.As(got, &back) {
		t.Fatalf("Fatal() lost ApprovalRequiredError: %v", got)
	}
	if back.ApprovalID != "ap-3" {
		t.Errorf("ApprovalID = %q, want %q", back.ApprovalID, "ap-3")
	}

	plain := Fatal("save", errors.New("disk full"))
	var fatal *FatalError
	if !errors.As(plain, &fatal) {
		t.Fatalf("Fatal() = %T, want *FatalError", plain)
	}
	if fatal.Op != "save" {
		t.Errorf("Op = %q, want %q", fatal.Op, "save")
	}
	if Fatal("noop", nil) != nil {
		t.Error("Fatal(nil) != nil")
	}
}

func TestCodeAndHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"validation", &ValidationError{Field: "message", Msg: "empty"}, "validation_error", 400},
		{"not found", &NotFoundError{Resource: "agent", ID: "ag-9"}, "not_found", 404},
		{"forbidden", &ForbiddenError{Msg: "conversation belongs to another user"}, "forbidden", 403},
		{"blocked", &ToolBlockedError{Tool: "create_agent"}, "tool_blocked", 500},
		{"approval", &ApprovalRequiredError{ApprovalID: "ap-4", Description: "d"}, "approval_required", 500},
		{"budget", &BudgetExceededError{AgentID: "ag-1", LimitUSD: 5, SpentUSD: 6}, "budget_exceeded", 500},
		{"transient", errors.New("connection refused"), "transient", 503},
		{"internal", errors.New("boom"), "internal_error", 500},
		{"wrapped not found", fmt.Errorf("load: %w", &NotFoundError{Resource: "message"}), "not_found", 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.wantCode {
				t.Errorf("Code() = %q, want %q", got, tt.wantCode)
			}
			if got := HTTPStatus(tt.err); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestErrorStrings(t *testing.T) {
	budget := &BudgetExceededError{AgentID: "ag-1", LimitUSD: 2.5, SpentUSD: 3.1}
	if want := "exceeded daily budget limit: spent $3.1000 of $2.5000"; budget.Error() != want {
		t.Errorf("BudgetExceededError.Error() = %q, want %q", budget.Error(), want)
	}
	ve := &ValidationError{Msg: "empty prompt"}
	if want := "validation: empty prompt"; ve.Error() != want {
		t.Errorf("ValidationError.Error() = %q, want %q", ve.Error(), want)
	}
	nf := &NotFoundError{Resource: "conversation"}
	if want := "conversation not found"; nf.Error() != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", nf.Error(), want)
	}
}
