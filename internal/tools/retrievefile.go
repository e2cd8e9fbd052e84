package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/pkg/models"
)

// maxInlineChars caps how much of a text file is inlined for the model.
// The full bytes always travel in _full_result regardless.
const maxInlineChars = 20000

// MessageGetter is the slice of the conversation store file retrieval needs.
type MessageGetter interface {
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
}

// RetrieveFileTool loads a previously uploaded file back out of the blob
// store. The model addresses files as <message_id>:<file_index>, the ids it
// sees in history metadata preludes.
type RetrieveFileTool struct {
	messages MessageGetter
	blobs    blob.Store
}

func NewRetrieveFileTool(messages MessageGetter, blobs blob.Store) *RetrieveFileTool {
	return &RetrieveFileTool{messages: messages, blobs: blobs}
}

func (t *RetrieveFileTool) Name() string { return NameRetrieveFile }

func (t *RetrieveFileTool) Description() string {
	return "Retrieve a file previously uploaded in this conversation by message id and file index. File ids appear in history metadata as <message_id>:<file_index>."
}

func (t *RetrieveFileTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message_id": map[string]any{
				"type":        "string",
				"description": "ID of the message the file was attached to",
			},
			"file_index": map[string]any{
				"type":        "integer",
				"description": "Zero-based index of the file on that message",
				"minimum":     0,
			},
		},
		"required": []any{"message_id", "file_index"},
	})
}

func (t *RetrieveFileTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		MessageID string `json:"message_id"`
		FileIndex int    `json:"file_index"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.MessageID == "" {
		return Errorf("message_id parameter is required"), nil
	}

	scope, ok := reqctx.ScopeFrom(ctx)
	if !ok {
		return Errorf("file retrieval requires an active conversation scope"), nil
	}

	msg, err := t.messages.GetMessageByID(ctx, p.MessageID)
	if err != nil {
		return Errorf("file not found: %s:%d", p.MessageID, p.FileIndex), nil
	}
	// A message outside the current conversation is indistinguishable from a
	// missing one; anything else leaks cross-conversation existence.
	if msg.ConversationID != scope.ConversationID {
		return Errorf("file not found: %s:%d", p.MessageID, p.FileIndex), nil
	}

	var ref *models.FileRef
	for i := range msg.Files {
		if msg.Files[i].Index == p.FileIndex {
			ref = &msg.Files[i]
			break
		}
	}
	if ref == nil {
		return Errorf("file not found: %s:%d", p.MessageID, p.FileIndex), nil
	}

	rc, err := t.blobs.Get(ctx, models.BlobKey(p.MessageID, p.FileIndex))
	if err != nil {
		return Errorf("retrieve file: %v", err), nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Errorf("read file: %v", err), nil
	}

	out := map[string]any{
		"message_id": p.MessageID,
		"file_index": p.FileIndex,
		"name":       ref.Name,
		"mime_type":  ref.MimeType,
		"size":       len(data),
		FullResultKey: map[string]any{
			"data_base64": base64.StdEncoding.EncodeToString(data),
		},
	}
	if strings.HasPrefix(ref.MimeType, "text/") {
		content := string(data)
		if len(content) > maxInlineChars {
			content = content[:maxInlineChars] + "..."
			out["truncated"] = true
		}
		out["content"] = content
	} else {
		out["note"] = fmt.Sprintf("binary file (%s); content retrieved for server-side use", ref.MimeType)
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return Errorf("failed to format response: %v", err), nil
	}
	return &Result{Content: string(payload)}, nil
}
