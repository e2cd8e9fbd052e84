package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation. Binary file content never
// lives here; it sits in the blob store under keys derived from the
// message id and file index.
type Message struct {
	ID              string           `json:"id"`
	ConversationID  string           `json:"conversation_id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	Files           []FileRef        `json:"files,omitempty"`
	Sources         []Source         `json:"sources,omitempty"`
	GeneratedImages []GeneratedImage `json:"generated_images,omitempty"`
	Language        string           `json:"language,omitempty"`
	ToolCalls       []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults     []ToolResult     `json:"tool_results,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// FileRef describes a file attached to a message. Only metadata is stored
// on the message row; bytes live in the blob store under BlobKey.
type FileRef struct {
	Index           int    `json:"index"`
	Name            string `json:"name"`
	MimeType        string `json:"mime_type"`
	Size            int64  `json:"size,omitempty"`
	ThumbnailStatus string `json:"thumbnail_status,omitempty"`
}

// BlobKey returns the blob store key for the file at index on message id.
func BlobKey(messageID string, index int) string {
	return fmt.Sprintf("%s:%d", messageID, index)
}

// Source is a web source the model cited for an assistant message.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// GeneratedImage records an image the model asked to generate during a turn.
type GeneratedImage struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	FileIndex   int    `json:"file_index,omitempty"`
}

// ToolCall is an LLM request to execute a tool. Input is the raw JSON
// arguments as validated by the vendor against the tool schema.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
