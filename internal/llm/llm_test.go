package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/braidhq/braid/pkg/models"
)

// fakeProvider returns a scripted chunk sequence.
type fakeProvider struct {
	name   string
	chunks []*Chunk
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			out <- c
		}
	}()
	return out, nil
}

func TestProviderNameFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"claude-3-haiku-20240307", "anthropic"},
		{"gpt-4o", "openai"},
		{"gpt-4o-mini", "openai"},
		{"o3-mini", "openai"},
		{"gemini-2.0-flash", "google"},
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "bedrock"},
		{"amazon.titan-text-express-v1", "bedrock"},
		{"meta.llama3-70b-instruct-v1:0", "bedrock"},
		{"", ""},
		{"some-custom-model", ""},
	}
	for _, tt := range tests {
		if got := providerNameFor(tt.model); got != tt.want {
			t.Errorf("providerNameFor(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestRegistryRouting(t *testing.T) {
	registry := NewRegistry("anthropic")
	anthropic := &fakeProvider{name: "anthropic"}
	openaiP := &fakeProvider{name: "openai"}
	registry.Register(anthropic)
	registry.Register(openaiP)

	p, err := registry.ProviderFor("gpt-4o")
	if err != nil {
		t.Fatalf("ProviderFor(gpt-4o): %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("ProviderFor(gpt-4o) = %s, want openai", p.Name())
	}

	p, err = registry.ProviderFor("claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("ProviderFor(claude): %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("ProviderFor(claude-sonnet-4-5) = %s, want anthropic", p.Name())
	}

	// Unrecognized and empty model ids fall back to the default.
	for _, model := range []string{"", "totally-custom"} {
		p, err = registry.ProviderFor(model)
		if err != nil {
			t.Fatalf("ProviderFor(%q): %v", model, err)
		}
		if p.Name() != "anthropic" {
			t.Errorf("ProviderFor(%q) = %s, want anthropic", model, p.Name())
		}
	}

	// A routed provider that is not configured falls back to the default.
	p, err = registry.ProviderFor("gemini-2.0-flash")
	if err != nil {
		t.Fatalf("ProviderFor(gemini): %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("ProviderFor(gemini-2.0-flash) = %s, want anthropic fallback", p.Name())
	}
}

func TestRegistryNoProviders(t *testing.T) {
	registry := NewRegistry("anthropic")
	if _, err := registry.ProviderFor("claude-3"); err == nil {
		t.Fatal("ProviderFor on empty registry returned nil error")
	}
}

func TestRegistryCompleteDelegates(t *testing.T) {
	registry := NewRegistry("openai")
	provider := &fakeProvider{
		name:   "openai",
		chunks: []*Chunk{{Text: "hi"}, {Done: true}},
	}
	registry.Register(provider)

	chunks, err := registry.Complete(context.Background(), &Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	res, err := Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Text != "hi" {
		t.Errorf("Collect text = %q, want %q", res.Text, "hi")
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestCollect(t *testing.T) {
	chunks := make(chan *Chunk, 8)
	chunks <- &Chunk{Text: "The answer "}
	chunks <- &Chunk{Thinking: "hmm"}
	chunks <- &Chunk{Text: "is 4."}
	chunks <- &Chunk{ToolCall: &models.ToolCall{ID: "t1", Name: "web_search", Input: []byte(`{"query":"q"}`)}}
	chunks <- &Chunk{Done: true, InputTokens: 12, OutputTokens: 7}
	close(chunks)

	res, err := Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Text != "The answer is 4." {
		t.Errorf("Text = %q, want %q", res.Text, "The answer is 4.")
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "web_search" {
		t.Errorf("ToolCalls = %+v, want one web_search call", res.ToolCalls)
	}
	if res.InputTokens != 12 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", res.InputTokens, res.OutputTokens)
	}
}

func TestCollectError(t *testing.T) {
	streamErr := errors.New("rate limit exceeded")
	chunks := make(chan *Chunk, 4)
	chunks <- &Chunk{Text: "partial"}
	chunks <- &Chunk{Err: streamErr, Done: true}
	close(chunks)

	_, err := Collect(context.Background(), chunks)
	if !errors.Is(err, streamErr) {
		t.Fatalf("Collect error = %v, want %v", err, streamErr)
	}
}

func TestCollectDrainsAfterError(t *testing.T) {
	chunks := make(chan *Chunk, 4)
	chunks <- &Chunk{Err: errors.New("boom")}
	chunks <- &Chunk{Text: "late text"}
	chunks <- &Chunk{Done: true}
	close(chunks)

	if _, err := Collect(context.Background(), chunks); err == nil {
		t.Fatal("Collect returned nil error after error chunk")
	}
}
