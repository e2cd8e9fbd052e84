package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/braidhq/braid/internal/reqctx"
)

// Metadata tools are data sinks: the structured argument IS the answer. The
// graph ends the turn when an assistant message carries only metadata
// calls, and the save pipeline reads the arguments straight off that
// message. The Execute bodies below only acknowledge, so that a mixed
// batch (say web_search + cite_sources) still gets a result per call.

var metadataTools = map[string]struct{}{
	NameCiteSources:      {},
	NameManageMemory:     {},
	NameGenerateImage:    {},
	NameRefreshDashboard: {},
}

// IsMetadata reports whether name is a metadata tool.
func IsMetadata(name string) bool {
	_, ok := metadataTools[name]
	return ok
}

// CiteSourcesTool records which web sources the response actually drew on.
type CiteSourcesTool struct{}

func (CiteSourcesTool) Name() string { return NameCiteSources }

func (CiteSourcesTool) Description() string {
	return "Cite the web sources actually referenced in your answer. Call this once, after composing the answer, with every source used."
}

func (CiteSourcesTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sources": map[string]any{
				"type":        "array",
				"description": "Sources referenced in the answer",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
						"url":   map[string]any{"type": "string"},
					},
					"required": []any{"title", "url"},
				},
			},
		},
		"required": []any{"sources"},
	})
}

func (CiteSourcesTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Sources []json.RawMessage `json:"sources"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	return &Result{Content: fmt.Sprintf("recorded %d sources", len(p.Sources))}, nil
}

// ManageMemoryTool mutates the user's long-term memory. Operations apply at
// save time from the tool-call arguments, not here.
type ManageMemoryTool struct{}

func (ManageMemoryTool) Name() string { return NameManageMemory }

func (ManageMemoryTool) Description() string {
	return "Add, update, or delete entries in the user's long-term memory. Use for durable facts and preferences, not transient conversation detail."
}

func (ManageMemoryTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operations": map[string]any{
				"type":        "array",
				"description": "Memory operations to apply in order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action": map[string]any{
							"type": "string",
							"enum": []any{"add", "update", "delete"},
						},
						"content":  map[string]any{"type": "string"},
						"category": map[string]any{"type": "string"},
						"id":       map[string]any{"type": "string"},
					},
					"required": []any{"action"},
				},
			},
		},
		"required": []any{"operations"},
	})
}

func (ManageMemoryTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	return &Result{Content: fmt.Sprintf("recorded %d memory operations", len(p.Operations))}, nil
}

// GenerateImageTool records an image generation request. The prompt lands
// in the saved assistant message's generated-images metadata.
type GenerateImageTool struct{}

func (GenerateImageTool) Name() string { return NameGenerateImage }

func (GenerateImageTool) Description() string {
	return "Generate an image from a text prompt. Describe the desired image fully in the prompt."
}

func (GenerateImageTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Full description of the image to generate",
			},
			"aspect_ratio": map[string]any{
				"type":        "string",
				"enum":        []any{"1:1", "16:9", "9:16", "4:3", "3:4"},
				"description": "Aspect ratio (default: 1:1)",
			},
		},
		"required": []any{"prompt"},
	})
}

func (GenerateImageTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.Prompt == "" {
		return Errorf("prompt parameter is required"), nil
	}
	return &Result{Content: "image generation queued"}, nil
}

// DashboardSource produces fresh planner dashboard content for a user.
type DashboardSource func(ctx context.Context, userID string) (string, error)

// RefreshDashboardTool regenerates the planner dashboard and writes it into
// the ambient holder, so the next turn's system prompt sees current data.
type RefreshDashboardTool struct {
	source DashboardSource
}

func NewRefreshDashboardTool(source DashboardSource) *RefreshDashboardTool {
	return &RefreshDashboardTool{source: source}
}

func (t *RefreshDashboardTool) Name() string { return NameRefreshDashboard }

func (t *RefreshDashboardTool) Description() string {
	return "Refresh the planner dashboard data. Call when the user changed their schedule or tasks mid-conversation and you need current state."
}

func (t *RefreshDashboardTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
}

func (t *RefreshDashboardTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	holder := reqctx.DashboardFrom(ctx)
	if holder == nil {
		return Errorf("no planner dashboard in this conversation"), nil
	}
	scope, ok := reqctx.ScopeFrom(ctx)
	if !ok {
		return Errorf("dashboard refresh requires an active conversation scope"), nil
	}
	if t.source == nil {
		return Errorf("no dashboard source configured"), nil
	}
	content, err := t.source(ctx, scope.UserID)
	if err != nil {
		return Errorf("refresh dashboard: %v", err), nil
	}
	holder.Set(content)
	return &Result{Content: "dashboard refreshed"}, nil
}
