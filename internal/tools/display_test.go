package tools

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDisplayForKnownTools(t *testing.T) {
	tests := []struct {
		tool string
		want Display
	}{
		{NameWebSearch, Display{Label: "Searching the web", PastLabel: "Searched the web", Icon: "search"}},
		{NameFetchURL, Display{Label: "Reading a page", PastLabel: "Read a page", Icon: "link"}},
		{NameTriggerAgent, Display{Label: "Triggering an agent", PastLabel: "Triggered an agent", Icon: "calendar"}},
		{NameRefreshDashboard, Display{Label: "Refreshing the dashboard", PastLabel: "Refreshed the dashboard", Icon: "refresh"}},
	}
	for _, tt := range tests {
		if got := DisplayFor(tt.tool); got != tt.want {
			t.Errorf("DisplayFor(%q) = %+v, want %+v", tt.tool, got, tt.want)
		}
	}
}

func TestDisplayForFallback(t *testing.T) {
	got := DisplayFor("custom_thing")
	if got.Label != "Running custom_thing" || got.PastLabel != "Ran custom_thing" || got.Icon != "code" {
		t.Errorf("fallback display = %+v", got)
	}
}

func TestDetailFor(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"search query", NameWebSearch, `{"query":"golang generics"}`, "golang generics"},
		{"fetch url", NameFetchURL, `{"url":"https://example.com/a"}`, "https://example.com/a"},
		{"trigger agent", NameTriggerAgent, `{"agent_name":"daily-digest"}`, "daily-digest"},
		{"missing key", NameWebSearch, `{"count":4}`, ""},
		{"tool without detail", NameCiteSources, `{"sources":[]}`, ""},
		{"invalid json", NameWebSearch, `{"query":`, ""},
		{"empty args", NameWebSearch, ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetailFor(tt.tool, json.RawMessage(tt.args))
			if got != tt.want {
				t.Errorf("DetailFor(%q, %s) = %q, want %q", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}

func TestDetailForTruncates(t *testing.T) {
	long := strings.Repeat("q", maxDetailLength+40)
	args, _ := json.Marshal(map[string]string{"query": long})
	got := DetailFor(NameWebSearch, args)
	if len(got) <= maxDetailLength || len(got) > maxDetailLength+len("…") {
		t.Errorf("detail length = %d", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("detail should end with ellipsis, got %q", got[len(got)-8:])
	}
}
