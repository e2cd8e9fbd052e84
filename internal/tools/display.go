package tools

import (
	"encoding/json"
	"fmt"
)

// Display is the UI metadata attached to tool_start stream events.
type Display struct {
	// Label is shown while the tool runs ("Searching the web").
	Label string `json:"label"`

	// PastLabel is shown once the tool has finished ("Searched the web").
	PastLabel string `json:"past_label"`

	// Icon is one of: search, link, sparkles, code, checklist, refresh,
	// calendar.
	Icon string `json:"icon"`
}

var displayTable = map[string]Display{
	NameWebSearch:        {Label: "Searching the web", PastLabel: "Searched the web", Icon: "search"},
	NameFetchURL:         {Label: "Reading a page", PastLabel: "Read a page", Icon: "link"},
	NameRetrieveFile:     {Label: "Opening a file", PastLabel: "Opened a file", Icon: "code"},
	NameGenerateImage:    {Label: "Creating an image", PastLabel: "Created an image", Icon: "sparkles"},
	NameCiteSources:      {Label: "Collecting sources", PastLabel: "Collected sources", Icon: "link"},
	NameManageMemory:     {Label: "Updating memory", PastLabel: "Updated memory", Icon: "checklist"},
	NameRefreshDashboard: {Label: "Refreshing the dashboard", PastLabel: "Refreshed the dashboard", Icon: "refresh"},
	NameRequestApproval:  {Label: "Requesting approval", PastLabel: "Requested approval", Icon: "checklist"},
	NameTriggerAgent:     {Label: "Triggering an agent", PastLabel: "Triggered an agent", Icon: "calendar"},
}

// DisplayFor returns the display metadata for a tool, with a generic
// fallback for tools outside the table.
func DisplayFor(name string) Display {
	if d, ok := displayTable[name]; ok {
		return d
	}
	return Display{
		Label:     "Running " + name,
		PastLabel: "Ran " + name,
		Icon:      "code",
	}
}

// detailKeys maps each tool to the argument surfaced as human-readable
// detail on tool_start events.
var detailKeys = map[string]string{
	NameWebSearch:     "query",
	NameFetchURL:      "url",
	NameRetrieveFile:  "message_id",
	NameGenerateImage: "prompt",
	NameTriggerAgent:  "agent_name",
}

const maxDetailLength = 120

// DetailFor extracts a short detail string from the tool call arguments,
// empty when nothing useful is present.
func DetailFor(name string, args json.RawMessage) string {
	key, ok := detailKeys[name]
	if !ok || len(args) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ""
	}
	value, ok := decoded[key]
	if !ok {
		return ""
	}
	detail := fmt.Sprintf("%v", value)
	if len(detail) > maxDetailLength {
		detail = detail[:maxDetailLength] + "…"
	}
	return detail
}
