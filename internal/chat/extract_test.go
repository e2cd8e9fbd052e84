package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

func TestExtractMetadataLastCallWins(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: tools.NameCiteSources, Input: json.RawMessage(`{"sources":[{"title":"Old","url":"https://old.example"}]}`)},
			{ID: "c2", Name: tools.NameGenerateImage, Input: json.RawMessage(`{"prompt":"a lighthouse","aspect_ratio":"16:9"}`)},
		}},
		{Role: models.RoleTool},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c3", Name: tools.NameCiteSources, Input: json.RawMessage(`{"sources":[{"title":"New","url":"https://new.example"}]}`)},
			{ID: "c4", Name: tools.NameGenerateImage, Input: json.RawMessage(`{"prompt":"a harbor"}`)},
			{ID: "c5", Name: tools.NameManageMemory, Input: json.RawMessage(`{"operations":[{"action":"add","content":"Sails on weekends"}]}`)},
		}},
	}
	ext := extractMetadata(msgs)

	if len(ext.Sources) != 1 || ext.Sources[0].Title != "New" {
		t.Fatalf("sources = %+v, want the later call", ext.Sources)
	}
	if len(ext.Images) != 2 || ext.Images[0].Prompt != "a lighthouse" || ext.Images[1].Prompt != "a harbor" {
		t.Fatalf("images = %+v, want both prompts in order", ext.Images)
	}
	if ext.Images[0].AspectRatio != "16:9" {
		t.Fatalf("aspect ratio = %q", ext.Images[0].AspectRatio)
	}
	if len(ext.MemoryOps) != 1 || ext.MemoryOps[0].Action != "add" {
		t.Fatalf("memory ops = %+v", ext.MemoryOps)
	}
}

func TestExtractMetadataIgnoresMalformedArguments(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: tools.NameCiteSources, Input: json.RawMessage(`{"sources": "not a list"`)},
		}},
	}
	ext := extractMetadata(msgs)
	if len(ext.Sources) != 0 {
		t.Fatalf("sources = %+v, want none", ext.Sources)
	}
}

func TestSourcesFromSearchesDeduplicates(t *testing.T) {
	captures := []toolbuf.Capture{
		{Tool: tools.NameWebSearch, Payload: map[string]any{
			"results": []any{
				map[string]any{"title": "Go blog", "href": "https://go.dev/blog"},
				map[string]any{"title": "Go blog again", "href": "https://go.dev/blog"},
				map[string]any{"title": "", "href": "https://skipped.example"},
			},
		}},
		{Tool: "fetch_url", Payload: map[string]any{"results": []any{
			map[string]any{"title": "Not a search", "href": "https://ignored.example"},
		}}},
		{Tool: tools.NameWebSearch, Payload: map[string]any{
			"results": []any{
				map[string]any{"title": "Spec", "href": "https://go.dev/ref/spec"},
			},
		}},
	}
	sources := sourcesFromSearches(captures)
	if len(sources) != 2 {
		t.Fatalf("sources = %+v", sources)
	}
	if sources[0].URL != "https://go.dev/blog" || sources[1].URL != "https://go.dev/ref/spec" {
		t.Fatalf("sources = %+v", sources)
	}
}

func TestStripLegacyMetadata(t *testing.T) {
	content := "<!-- METADATA: {\"timestamp\":\"2025-03-10T10:00:00Z\"} -->\nThe actual answer."
	clean, meta := stripLegacyMetadata(content)
	if clean != "The actual answer." {
		t.Fatalf("clean = %q", clean)
	}
	if meta["timestamp"] != "2025-03-10T10:00:00Z" {
		t.Fatalf("meta = %v", meta)
	}

	plain, meta := stripLegacyMetadata("No marker here.")
	if plain != "No marker here." || meta != nil {
		t.Fatalf("plain = %q meta = %v", plain, meta)
	}

	// An unterminated marker is left untouched rather than eaten.
	raw := "<!-- METADATA: {\"x\":1"
	kept, meta := stripLegacyMetadata(raw)
	if kept != raw || meta != nil {
		t.Fatalf("kept = %q meta = %v", kept, meta)
	}
}

func TestMarkerFilterWithholdsMarker(t *testing.T) {
	f := &markerFilter{}
	var out strings.Builder

	for _, fragment := range []string{"<!-- MET", "ADATA: {\"x\":", "1} -->", "\nHel", "lo"} {
		out.WriteString(f.feed(fragment))
	}
	out.WriteString(f.flush())
	if out.String() != "Hello" {
		t.Fatalf("output = %q, want marker removed", out.String())
	}
}

func TestMarkerFilterPassesPlainText(t *testing.T) {
	f := &markerFilter{}
	var out strings.Builder

	out.WriteString(f.feed("Hi"))
	out.WriteString(f.feed(" there"))
	if out.String() != "Hi there" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestMarkerFilterHoldsAmbiguousPrefix(t *testing.T) {
	f := &markerFilter{}
	if got := f.feed("<!-- MET"); got != "" {
		t.Fatalf("ambiguous prefix leaked: %q", got)
	}
	// Turns out not to be a metadata marker after all.
	if got := f.feed("A COMMENT -->hello"); got != "<!-- META COMMENT -->hello" {
		t.Fatalf("got %q", got)
	}
}

func TestMarkerFilterFlushesOversizedMarker(t *testing.T) {
	f := &markerFilter{}
	huge := metadataMarker + strings.Repeat("x", maxMarkerBuffer+10)
	if got := f.feed(huge); got != huge {
		t.Fatalf("oversized marker not flushed raw (got %d bytes)", len(got))
	}
}

func TestMarkerFilterResetRearms(t *testing.T) {
	f := &markerFilter{}
	if got := f.feed("plain text"); got != "plain text" {
		t.Fatalf("got %q", got)
	}
	f.reset()
	if got := f.feed("<!-- METADATA: {} -->\nnext turn"); got != "next turn" {
		t.Fatalf("after reset got %q", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	long := "The weather should stay clear for the whole weekend, so plan the hike for Saturday morning and keep Sunday free as a fallback."
	if got := detectLanguage(long); got != "en" {
		t.Fatalf("language = %q, want en", got)
	}
	if got := detectLanguage("ok"); got != "" {
		t.Fatalf("short text language = %q, want empty", got)
	}
	if got := detectLanguage("   "); got != "" {
		t.Fatalf("blank language = %q, want empty", got)
	}
}
