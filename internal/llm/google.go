package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/braidhq/braid/pkg/models"
)

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// DefaultModel is used when a request does not name a model.
	DefaultModel string
}

// GoogleProvider streams completions from Google's Gemini API.
//
// Gemini delivers complete function calls per response part rather than
// streaming argument fragments, and it does not assign tool call ids, so the
// provider generates them. The system prompt travels in the generation
// config as a system instruction.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider creates the provider. The API key is required.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, missingKeyError("google")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete sends a streaming generate-content request.
func (p *GoogleProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config := p.buildConfig(req)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)

		var inputTokens, outputTokens int64
		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)

		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err(), Done: true}
				return
			default:
			}

			if err != nil {
				chunks <- &Chunk{Err: fmt.Errorf("google: %w", err), Done: true}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				inputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						chunks <- &Chunk{Text: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						chunks <- &Chunk{ToolCall: &models.ToolCall{
							ID:    generateToolCallID(part.FunctionCall.Name),
							Name:  part.FunctionCall.Name,
							Input: argsJSON,
						}}
					}
				}
			}
		}

		chunks <- &Chunk{
			Done:         true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}
	}()

	return chunks, nil
}

func (p *GoogleProvider) convertMessages(messages []Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		// System content travels via SystemInstruction in the config.
		if msg.Role == string(models.RoleSystem) {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case string(models.RoleAssistant):
			content.Role = genai.RoleModel
		default:
			// User and tool turns both come from the user side.
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, block := range msg.Blocks {
			content.Parts = append(content.Parts, &genai.Part{
				InlineData: &genai.Blob{
					MIMEType: block.MimeType,
					Data:     block.Data,
				},
			})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     tr.Name,
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func (p *GoogleProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}

	return config
}

func convertGeminiTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema map into the Gemini schema type.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}

	return schema
}

// generateToolCallID invents an id for Gemini function calls, which arrive
// without one.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
