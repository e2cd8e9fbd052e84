// Package llm defines the provider-neutral completion interface and its
// vendor implementations (Anthropic, OpenAI, Google Gemini, AWS Bedrock).
//
// Each provider converts between the shared Request/Chunk types and its
// vendor wire format, streams results over a channel, and closes the channel
// when the completion finishes or fails. Providers perform a single attempt;
// callers that want retries wrap Complete in the retry package so transient
// failures are classified in one place.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/braidhq/braid/pkg/models"
)

// Provider is implemented by each vendor integration.
type Provider interface {
	// Name returns the stable lowercase provider identifier ("anthropic",
	// "openai", "google", "bedrock") used for routing, metrics, and logging.
	Name() string

	// Complete sends one completion request and returns a channel of
	// streaming chunks. The channel is closed after the Done or error chunk.
	// An error return means the request never started.
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Completer is the minimal completion surface consumed by the graph and the
// chat facade. *Registry implements it by routing on the request model.
type Completer interface {
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request describes one completion call.
type Request struct {
	// Model is the vendor model identifier. Empty selects the provider's
	// default model.
	Model string

	// System is the system prompt. Providers place it wherever their API
	// expects (separate field, first message, or generation config).
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call. Empty disables tool use.
	Tools []ToolSpec

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Message is a provider-neutral conversation turn.
type Message struct {
	// Role is one of models.RoleUser, RoleAssistant, RoleSystem, RoleTool.
	Role string

	// Content is the textual content, possibly empty for tool-call-only
	// assistant turns.
	Content string

	// ToolCalls are tool invocations requested by an assistant turn.
	ToolCalls []models.ToolCall

	// ToolResults are outputs for previously requested tool calls.
	ToolResults []models.ToolResult

	// Blocks carries binary attachments (images, PDF documents) for
	// vision-capable models.
	Blocks []ContentBlock
}

// Block types understood by the providers.
const (
	BlockImage    = "image"
	BlockDocument = "document"
)

// ContentBlock is one binary attachment on a message.
type ContentBlock struct {
	Type     string // BlockImage or BlockDocument
	MimeType string
	Data     []byte
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the tool input.
	Schema json.RawMessage
}

// Chunk is one streaming update from a provider.
//
// Exactly one of Text, Thinking, ToolCall is set on content chunks. The final
// chunk has Done=true and, when the vendor reports it, the token counts for
// the whole completion. A failed stream delivers Err on its last chunk.
type Chunk struct {
	Text     string
	Thinking string
	ToolCall *models.ToolCall

	Done         bool
	InputTokens  int64
	OutputTokens int64

	Err error
}

// Result is a fully drained completion, used where streaming is not needed
// (planning classifier, title generation, compaction summaries).
type Result struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int64
	OutputTokens int64
}

// Collect drains a chunk channel into a Result. It returns the first chunk
// error encountered; the channel is always drained so the producer goroutine
// can exit.
func Collect(ctx context.Context, chunks <-chan *Chunk) (*Result, error) {
	var (
		text strings.Builder
		res  Result
		err  error
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil && err == nil {
			err = chunk.Err
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			res.InputTokens = chunk.InputTokens
			res.OutputTokens = chunk.OutputTokens
		}
	}
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	res.Text = text.String()
	return &res, nil
}

// errMissingAPIKey is returned by providers constructed without credentials.
var errMissingAPIKey = errors.New("api key not configured")

func missingKeyError(provider string) error {
	return fmt.Errorf("%s: %w", provider, errMissingAPIKey)
}
