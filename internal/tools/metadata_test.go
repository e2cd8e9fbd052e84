package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/braidhq/braid/internal/reqctx"
)

func TestCiteSourcesAcknowledges(t *testing.T) {
	res, err := CiteSourcesTool{}.Execute(context.Background(),
		json.RawMessage(`{"sources":[{"title":"Go","url":"https://go.dev"},{"title":"Blog","url":"https://go.dev/blog"}]}`))
	if err != nil || res.IsError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.Content != "recorded 2 sources" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestManageMemoryAcknowledges(t *testing.T) {
	res, err := ManageMemoryTool{}.Execute(context.Background(),
		json.RawMessage(`{"operations":[{"action":"add","content":"likes espresso"}]}`))
	if err != nil || res.IsError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.Content != "recorded 1 memory operations" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestGenerateImageRequiresPrompt(t *testing.T) {
	res, err := GenerateImageTool{}.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "prompt parameter is required") {
		t.Errorf("res = %+v", res)
	}

	res, err = GenerateImageTool{}.Execute(context.Background(), json.RawMessage(`{"prompt":"a lighthouse at dawn"}`))
	if err != nil || res.IsError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestRefreshDashboardWritesHolder(t *testing.T) {
	holder := &reqctx.Dashboard{}
	ctx := reqctx.WithDashboard(context.Background(), holder)
	ctx = reqctx.WithScope(ctx, reqctx.Scope{ConversationID: "conv-1", UserID: "user-1"})

	var gotUser string
	tool := NewRefreshDashboardTool(func(_ context.Context, userID string) (string, error) {
		gotUser = userID
		return "## Today\n- standup 10:00", nil
	})

	res, err := tool.Execute(ctx, json.RawMessage(`{}`))
	if err != nil || res.IsError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if gotUser != "user-1" {
		t.Errorf("source saw user %q", gotUser)
	}
	content, set := holder.Get()
	if !set || !strings.Contains(content, "standup") {
		t.Errorf("holder = (%q, %v)", content, set)
	}
}

func TestRefreshDashboardOutsidePlanner(t *testing.T) {
	tool := NewRefreshDashboardTool(func(context.Context, string) (string, error) {
		return "", nil
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "no planner dashboard") {
		t.Errorf("res = %+v", res)
	}
}

func TestRefreshDashboardSourceFailure(t *testing.T) {
	holder := &reqctx.Dashboard{}
	ctx := reqctx.WithDashboard(context.Background(), holder)
	ctx = reqctx.WithScope(ctx, reqctx.Scope{ConversationID: "conv-1", UserID: "user-1"})

	tool := NewRefreshDashboardTool(func(context.Context, string) (string, error) {
		return "", errors.New("calendar unavailable")
	})

	res, err := tool.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "calendar unavailable") {
		t.Errorf("res = %+v", res)
	}
	if _, set := holder.Get(); set {
		t.Error("holder written on failure")
	}
}
