// Package tools implements the registry of tools the model may call, the
// built-in tool bodies, and the permission guard that gates autonomous runs.
//
// Tool outputs may carry a "_full_result" field holding large payloads (file
// bytes, raw search results). The graph stores the original output in the
// request's result buffer and strips that field before the model sees the
// content again; extraction at save time reads the buffered originals.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/braidhq/braid/internal/toolbuf"
)

// Tool names used across the graph, extraction, and display layers.
const (
	NameWebSearch        = "web_search"
	NameFetchURL         = "fetch_url"
	NameRetrieveFile     = "retrieve_file"
	NameRequestApproval  = "request_approval"
	NameTriggerAgent     = "trigger_agent"
	NameCiteSources      = "cite_sources"
	NameManageMemory     = "manage_memory"
	NameGenerateImage    = "generate_image"
	NameRefreshDashboard = "refresh_planner_dashboard"
)

// FullResultKey is the tool-output field stripped from content before it is
// sent back to the model.
const FullResultKey = "_full_result"

// Tool parameter limits.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the function-calling name (alphanumeric, underscores).
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Tool-level failures should come back as an
	// error Result, not a Go error: results feed back to the model, which
	// can self-correct. A returned error aborts the whole graph run and is
	// reserved for control flow (approval requests) and context
	// cancellation.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the output of one tool execution.
type Result struct {
	// Content is what the model will see, usually JSON. Large payloads
	// belong under the "_full_result" key so they can be stripped.
	Content string

	// Files are binary artifacts produced by the tool (retrieved uploads,
	// generated images), captured into the result buffer.
	Files []toolbuf.CapturedFile

	// IsError marks a failed execution the model should react to.
	IsError bool
}

// Errorf builds an error Result from a format string.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Registry holds the registered tools and validates call arguments against
// each tool's schema before execution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	return tool, ok
}

// List returns all registered tools ordered by name. The order is stable so
// the rendered tool specs do not churn between model calls.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered tool names, ordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute validates the arguments against the tool schema and runs the tool.
// Unknown tools, oversized or invalid arguments, and panics inside tool
// bodies all come back as error Results so the model can self-correct; the
// error return is reserved for control flow.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (res *Result, err error) {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength), nil
	}
	if len(params) > MaxToolParamsSize {
		return Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return Errorf("tool not found: %s", name), nil
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := validateParams(tool, params); err != nil {
		return Errorf("invalid arguments for %s: %v", name, err), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = Errorf("tool %s panicked: %v\n%s", name, rec, debug.Stack())
			err = nil
		}
	}()

	return tool.Execute(ctx, params)
}

var schemaCache sync.Map

func validateParams(tool Tool, params json.RawMessage) error {
	schema, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// marshalSchema renders a schema map, falling back to a permissive object
// schema on failure.
func marshalSchema(schema map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}
