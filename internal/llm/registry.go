package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Registry routes completion requests to vendor providers by model name.
//
// Routing is prefix-based: "claude-*" goes to anthropic, "gpt-*"/"o*" to
// openai, "gemini-*" to google, and dotted Bedrock ids ("anthropic.claude…",
// "amazon.titan…") to bedrock. Anything unrecognized falls back to the
// default provider.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
}

// NewRegistry creates an empty registry with the given default provider name.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: strings.ToLower(strings.TrimSpace(defaultProvider)),
	}
}

// Register adds a provider under its Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[strings.ToLower(p.Name())] = p
	r.mu.Unlock()
}

// Provider returns the registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	p, ok := r.providers[strings.ToLower(name)]
	r.mu.RUnlock()
	return p, ok
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// ProviderFor resolves the provider responsible for a model id, falling back
// to the default provider when the model is empty or unrecognized.
func (r *Registry) ProviderFor(model string) (Provider, error) {
	name := providerNameFor(model)
	if name == "" {
		name = r.defaultProvider
	}

	if p, ok := r.Provider(name); ok {
		return p, nil
	}
	// The routed provider may not be configured; fall back to the default
	// before giving up.
	if p, ok := r.Provider(r.defaultProvider); ok {
		return p, nil
	}
	return nil, fmt.Errorf("llm: no provider configured for model %q", model)
}

// Complete routes the request by model and delegates to the provider.
func (r *Registry) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p, err := r.ProviderFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

func providerNameFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return ""
	// Bedrock model ids are vendor-dotted ("anthropic.claude-…:0").
	case strings.ContainsRune(m, '.') && (strings.HasPrefix(m, "anthropic.") ||
		strings.HasPrefix(m, "amazon.") || strings.HasPrefix(m, "meta.") ||
		strings.HasPrefix(m, "mistral.") || strings.HasPrefix(m, "cohere.")):
		return "bedrock"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	}
	return ""
}
