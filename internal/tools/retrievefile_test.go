package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/store"
	"github.com/braidhq/braid/pkg/models"
)

type fakeMessages struct {
	msgs map[string]*models.Message
}

func (f *fakeMessages) GetMessageByID(_ context.Context, id string) (*models.Message, error) {
	msg, ok := f.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

func scopedCtx(conversationID string) context.Context {
	return reqctx.WithScope(context.Background(), reqctx.Scope{
		ConversationID: conversationID,
		UserID:         "user-1",
	})
}

func newRetrieveFixture(t *testing.T, name, mime string, data []byte) (*RetrieveFileTool, string) {
	t.Helper()
	blobs := blob.NewMemoryStore()
	msgID := "msg-1"
	if _, err := blobs.Put(context.Background(), models.BlobKey(msgID, 0), bytes.NewReader(data), blob.PutOptions{MimeType: mime}); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	messages := &fakeMessages{msgs: map[string]*models.Message{
		msgID: {
			ID:             msgID,
			ConversationID: "conv-1",
			Role:           models.RoleUser,
			Files:          []models.FileRef{{Index: 0, Name: name, MimeType: mime, Size: int64(len(data))}},
			CreatedAt:      time.Now(),
		},
	}}
	return NewRetrieveFileTool(messages, blobs), msgID
}

func TestRetrieveFileRoundTrip(t *testing.T) {
	original := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01, 0x02}
	tool, msgID := newRetrieveFixture(t, "chart.png", "image/png", original)

	res, err := tool.Execute(scopedCtx("conv-1"), json.RawMessage(`{"message_id":"`+msgID+`","file_index":0}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	full, ok := out[FullResultKey].(map[string]any)
	if !ok {
		t.Fatalf("missing %s in %v", FullResultKey, out)
	}
	encoded, _ := full["data_base64"].(string)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode data_base64: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("round-trip bytes differ: got %v want %v", decoded, original)
	}
	if out["name"] != "chart.png" || out["mime_type"] != "image/png" {
		t.Errorf("metadata = %v", out)
	}
}

func TestRetrieveFileInlinesText(t *testing.T) {
	tool, msgID := newRetrieveFixture(t, "notes.txt", "text/plain", []byte("meeting at noon"))

	res, err := tool.Execute(scopedCtx("conv-1"), json.RawMessage(`{"message_id":"`+msgID+`","file_index":0}`))
	if err != nil || res.IsError {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse content: %v", err)
	}
	if out["content"] != "meeting at noon" {
		t.Errorf("content = %v", out["content"])
	}
}

func TestRetrieveFileRequiresScope(t *testing.T) {
	tool, msgID := newRetrieveFixture(t, "notes.txt", "text/plain", []byte("x"))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"message_id":"`+msgID+`","file_index":0}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "conversation scope") {
		t.Errorf("res = %+v", res)
	}
}

func TestRetrieveFileHidesOtherConversations(t *testing.T) {
	tool, msgID := newRetrieveFixture(t, "notes.txt", "text/plain", []byte("secret"))

	res, err := tool.Execute(scopedCtx("conv-other"), json.RawMessage(`{"message_id":"`+msgID+`","file_index":0}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "file not found") {
		t.Errorf("res = %+v", res)
	}
	if strings.Contains(res.Content, "secret") {
		t.Error("cross-conversation content leaked")
	}
}

func TestRetrieveFileUnknownIndex(t *testing.T) {
	tool, msgID := newRetrieveFixture(t, "notes.txt", "text/plain", []byte("x"))

	res, err := tool.Execute(scopedCtx("conv-1"), json.RawMessage(`{"message_id":"`+msgID+`","file_index":3}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "file not found: msg-1:3") {
		t.Errorf("res = %+v", res)
	}
}
