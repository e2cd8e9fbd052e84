package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/braidhq/braid/internal/reqctx"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	tests := []struct {
		name    string
		msg     string
		mustNot string
	}{
		{"api key assignment", "loaded api_key=abcdefghij0123456789", "abcdefghij0123456789"},
		{"anthropic key", "key sk-ant-" + strings.Repeat("a", 96) + " rejected", "sk-ant-"},
		{"jwt", "token eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjMifQ.abc", "eyJhbGci"},
		{"password", "password: supersecretvalue", "supersecretvalue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.Info(context.Background(), tt.msg)
			out := buf.String()
			if strings.Contains(out, tt.mustNot) {
				t.Errorf("output leaked secret: %s", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("output missing redaction marker: %s", out)
			}
		})
	}
}

func TestLoggerRedactsErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	err := errors.New("dial failed: apikey=verysecretkey12345678")
	logger.Error(context.Background(), "request failed", "error", err)
	if strings.Contains(buf.String(), "verysecretkey12345678") {
		t.Errorf("error value leaked secret: %s", buf.String())
	}
}

func TestLoggerExtractsAmbientFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := reqctx.WithRequestID(context.Background(), "req-42")
	ctx = reqctx.WithScope(ctx, reqctx.Scope{ConversationID: "conv-7", UserID: "user-9"})
	logger.Info(ctx, "saving message")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if record["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", record["request_id"])
	}
	if record["conversation_id"] != "conv-7" {
		t.Errorf("conversation_id = %v, want conv-7", record["conversation_id"])
	}
	if record["user_id"] != "user-9" {
		t.Errorf("user_id = %v, want user-9", record["user_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("warn record missing")
	}

	buf.Reset()
	logger.SetLevel("debug")
	logger.Debug(context.Background(), "now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel(debug) did not take effect")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	child := logger.WithFields("component", "scheduler")
	child.Info(context.Background(), "tick")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", record["component"])
	}
}

func TestRedactMapMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger.Info(context.Background(), "tool args", "args", map[string]any{
		"url":   "https://example.com",
		"token": "abcd1234efgh5678",
	})
	out := buf.String()
	if strings.Contains(out, "abcd1234efgh5678") {
		t.Errorf("map value leaked: %s", out)
	}
	if !strings.Contains(out, "example.com") {
		t.Errorf("non-sensitive value dropped: %s", out)
	}
}
