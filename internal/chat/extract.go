package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

const (
	metadataMarker = "<!-- METADATA:"
	markerEnd      = "-->"

	// maxMarkerBuffer bounds how much stream text the filter withholds
	// while waiting for a marker close. Past this the marker is treated
	// as malformed and flushed raw.
	maxMarkerBuffer = 4096

	// minLanguageRunes is the shortest content worth language-detecting.
	minLanguageRunes = 20
)

// extraction carries the structured data read off metadata tool calls.
type extraction struct {
	Sources   []models.Source
	MemoryOps []memoryOp
	Images    []models.GeneratedImage
}

type memoryOp struct {
	Action   string `json:"action"`
	Content  string `json:"content"`
	Category string `json:"category"`
	ID       string `json:"id"`
}

// extractMetadata reads the metadata tool arguments out of the run
// transcript. For cite_sources and manage_memory the last call wins;
// generate_image calls accumulate, one image per call.
func extractMetadata(msgs []models.Message) extraction {
	var ext extraction
	for _, m := range msgs {
		if m.Role != models.RoleAssistant {
			continue
		}
		for _, call := range m.ToolCalls {
			switch call.Name {
			case tools.NameCiteSources:
				var args struct {
					Sources []models.Source `json:"sources"`
				}
				if json.Unmarshal(call.Input, &args) == nil && len(args.Sources) > 0 {
					ext.Sources = args.Sources
				}
			case tools.NameManageMemory:
				var args struct {
					Operations []memoryOp `json:"operations"`
				}
				if json.Unmarshal(call.Input, &args) == nil && len(args.Operations) > 0 {
					ext.MemoryOps = args.Operations
				}
			case tools.NameGenerateImage:
				var args struct {
					Prompt      string `json:"prompt"`
					AspectRatio string `json:"aspect_ratio"`
				}
				if json.Unmarshal(call.Input, &args) == nil && args.Prompt != "" {
					ext.Images = append(ext.Images, models.GeneratedImage{
						Prompt:      args.Prompt,
						AspectRatio: args.AspectRatio,
					})
				}
			}
		}
	}
	return ext
}

// sourcesFromSearches synthesizes a source list from captured web_search
// payloads, used when the model searched but never called cite_sources.
func sourcesFromSearches(captures []toolbuf.Capture) []models.Source {
	var sources []models.Source
	seen := make(map[string]struct{})
	for _, c := range captures {
		if c.Tool != tools.NameWebSearch {
			continue
		}
		results, ok := c.Payload["results"].([]any)
		if !ok {
			continue
		}
		for _, r := range results {
			hit, ok := r.(map[string]any)
			if !ok {
				continue
			}
			title, _ := hit["title"].(string)
			href, _ := hit["href"].(string)
			if title == "" || href == "" {
				continue
			}
			if _, dup := seen[href]; dup {
				continue
			}
			seen[href] = struct{}{}
			sources = append(sources, models.Source{Title: title, URL: href})
		}
	}
	return sources
}

// stripLegacyMetadata removes a leading metadata comment from model output
// and returns the parsed dictionary. Older prompt formats trained models to
// echo the history prelude back; it must never reach clients as content.
func stripLegacyMetadata(content string) (string, map[string]any) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, metadataMarker) {
		return content, nil
	}
	end := strings.Index(trimmed, markerEnd)
	if end < 0 {
		return content, nil
	}
	var meta map[string]any
	raw := strings.TrimSpace(trimmed[len(metadataMarker):end])
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		meta = nil
	}
	clean := strings.TrimPrefix(trimmed[end+len(markerEnd):], "\n")
	return clean, meta
}

// markerFilter withholds a leading metadata comment from live token
// consumers. It buffers only while the stream head could still be a marker;
// once ruled out (or resolved) everything passes through untouched.
type markerFilter struct {
	pending    []byte
	done       bool
	eatNewline bool // marker closed at a fragment boundary, its \n is next
}

// feed pushes a fragment through the filter and returns what may be shown.
func (f *markerFilter) feed(text string) string {
	if f.eatNewline {
		f.eatNewline = false
		return strings.TrimPrefix(text, "\n")
	}
	if f.done {
		return text
	}
	f.pending = append(f.pending, text...)
	p := string(f.pending)
	head := strings.TrimLeft(p, " \t\r\n")

	if len(head) < len(metadataMarker) {
		if strings.HasPrefix(metadataMarker, head) {
			return ""
		}
		return f.flush()
	}
	if !strings.HasPrefix(head, metadataMarker) {
		return f.flush()
	}
	if idx := strings.Index(head, markerEnd); idx >= 0 {
		rest := head[idx+len(markerEnd):]
		f.pending = nil
		f.done = true
		if rest == "" {
			f.eatNewline = true
			return ""
		}
		return strings.TrimPrefix(rest, "\n")
	}
	if len(p) > maxMarkerBuffer {
		return f.flush()
	}
	return ""
}

// flush releases anything still buffered and disables further filtering.
func (f *markerFilter) flush() string {
	out := string(f.pending)
	f.pending = nil
	f.done = true
	return out
}

// reset re-arms the filter for the next assistant turn.
func (f *markerFilter) reset() {
	f.pending = nil
	f.done = false
	f.eatNewline = false
}

// detectLanguage returns the ISO 639-1 code of content, empty when the text
// is too short or the detection is not reliable.
func detectLanguage(content string) string {
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) < minLanguageRunes {
		return ""
	}
	info := whatlanggo.Detect(trimmed)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
