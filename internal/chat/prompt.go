package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/reqctx"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

const systemBase = `You are Braid, a personal assistant. Be direct and accurate. Ground answers in the conversation, the provided context, and tool results; when you do not know something, say so instead of guessing.`

const toolRules = `## Tool use
- Answer from context when you can; call tools only for facts you lack.
- Use web_search for anything recent or verifiable, then report the sources you actually used with cite_sources.
- Previously uploaded files are listed in the history metadata comments; load one with retrieve_file and its file id.
- Record durable facts and preferences about the user with manage_memory. Do not store transient conversation detail.`

const plannerIntro = `## Planner
This conversation is the user's planner. Help them organize tasks, schedules, and follow-ups against the dashboard below. After the user changes their plans mid-conversation, call refresh_planner_dashboard before relying on dashboard data again.`

const (
	// sessionGapThreshold is the silence after which a history prelude
	// notes the gap, so the model does not treat a resumed thread as one
	// continuous exchange.
	sessionGapThreshold = 30 * time.Minute

	maxInlineFileChars  = 20000
	maxToolSummaryItems = 6
	maxMemoryEntries    = 50
)

// systemPrompt assembles the system prompt sections for this turn. The
// planner dashboard is read once here; a mid-run refresh lands in the holder
// and is picked up by the next turn.
func (s *Service) systemPrompt(ctx context.Context, req *Request) string {
	sections := make([]string, 0, 5)
	sections = append(sections, systemBase+"\n\nCurrent time: "+s.now().UTC().Format(time.RFC3339)+".")
	if toolsOffered(req) {
		sections = append(sections, toolRules)
	}
	if req.User != nil {
		sections = append(sections, s.personalization(ctx, req.User))
	}
	if req.Planning {
		sections = append(sections, plannerSection(ctx))
	}
	if req.Agent != nil {
		sections = append(sections, agentSection(req.Agent))
	}
	return strings.Join(sections, "\n\n")
}

// toolsOffered reports whether the model will see any tools this turn. Only
// an agent with an empty allow-list runs toolless.
func toolsOffered(req *Request) bool {
	return !req.Agent.HasAllowList() || len(req.Agent.ToolPermissions) > 0
}

func (s *Service) personalization(ctx context.Context, user *models.User) string {
	var b strings.Builder
	b.WriteString("## User\n")
	if user.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", user.Name)
	}
	fmt.Fprintf(&b, "User id: %s\n", user.ID)
	if user.Timezone != "" {
		fmt.Fprintf(&b, "Timezone: %s\n", user.Timezone)
	}
	if user.CustomInstructions != "" {
		b.WriteString("\nInstructions from the user:\n" + user.CustomInstructions + "\n")
	}
	if memories := s.memorySection(ctx, user.ID); memories != "" {
		b.WriteString("\n" + memories)
	}
	return strings.TrimRight(b.String(), "\n")
}

// memorySection renders the user's long-term memory. The ids are part of the
// contract: manage_memory update and delete operations name entries by id,
// so the model must see them.
func (s *Service) memorySection(ctx context.Context, userID string) string {
	entries, err := s.stores.Memories.List(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "list memories for prompt", "user_id", userID, "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	if len(entries) > maxMemoryEntries {
		entries = entries[len(entries)-maxMemoryEntries:]
	}
	var b strings.Builder
	b.WriteString("## Long-term memory\nStored facts about the user. Reference an entry by its id when updating or deleting it.\n")
	for _, e := range entries {
		b.WriteString("- [" + e.ID + "]")
		if e.Category != "" {
			b.WriteString(" (" + e.Category + ")")
		}
		b.WriteString(" " + e.Content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func plannerSection(ctx context.Context) string {
	section := plannerIntro
	if holder := reqctx.DashboardFrom(ctx); holder != nil {
		if snapshot, ok := holder.Get(); ok && strings.TrimSpace(snapshot) != "" {
			section += "\n\n## Planner dashboard\n" + snapshot
		}
	}
	return section
}

func agentSection(agent *models.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Autonomous run\nYou are running unattended as agent %q", agent.Name)
	if agent.Description != "" {
		b.WriteString(": " + agent.Description)
	}
	b.WriteString(".\nNo user is present. Complete the task with the tools available; when an action needs human sign-off, call request_approval and stop.")
	if agent.SystemPrompt != "" {
		b.WriteString("\n\n" + agent.SystemPrompt)
	}
	return b.String()
}

// promptMessages converts the stored history plus the current user message
// into the graph prompt. History rows are rewritten with a metadata prelude;
// tool transcripts are not replayed, the prelude summarizes them instead.
func (s *Service) promptMessages(req *Request) ([]models.Message, []llm.ContentBlock) {
	now := s.now().UTC()
	msgs := make([]models.Message, 0, len(req.History)+1)
	var prev *models.Message
	for _, h := range req.History {
		if h == nil {
			continue
		}
		if entry, ok := historyEntry(h, prev, now); ok {
			msgs = append(msgs, entry)
		}
		prev = h
	}

	content, blocks := inlineAttachments(req.UserMessage.Content, req.Files)
	msgs = append(msgs, models.Message{
		ID:             req.UserMessage.ID,
		ConversationID: req.UserMessage.ConversationID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      req.UserMessage.CreatedAt,
	})
	return msgs, blocks
}

// historyEntry rewrites one stored message for the prompt. System rows
// (compaction summaries) pass through untouched; empty rows are dropped.
func historyEntry(msg, prev *models.Message, now time.Time) (models.Message, bool) {
	if msg.Role == models.RoleSystem {
		return models.Message{
			ID:        msg.ID,
			Role:      models.RoleSystem,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}, strings.TrimSpace(msg.Content) != ""
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Files) == 0 {
		return models.Message{}, false
	}
	return models.Message{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   historyPrelude(msg, prev, now) + msg.Content,
		CreatedAt: msg.CreatedAt,
	}, true
}

// historyPrelude renders the metadata comment prepended to history messages.
// The file ids in it are the model's only stable handle on prior uploads.
func historyPrelude(msg, prev *models.Message, now time.Time) string {
	meta := make(map[string]any)
	if !msg.CreatedAt.IsZero() {
		meta["timestamp"] = msg.CreatedAt.UTC().Format(time.RFC3339)
		if rel := relativePhrase(now.Sub(msg.CreatedAt)); rel != "" {
			meta["relative_time"] = rel
		}
	}
	if prev != nil && !prev.CreatedAt.IsZero() && !msg.CreatedAt.IsZero() {
		if gap := msg.CreatedAt.Sub(prev.CreatedAt); gap >= sessionGapThreshold {
			meta["session_gap"] = durationPhrase(gap) + " since previous message"
		}
	}
	if len(msg.Files) > 0 {
		files := make([]map[string]any, 0, len(msg.Files))
		for _, f := range msg.Files {
			files = append(files, map[string]any{
				"id":        models.BlobKey(msg.ID, f.Index),
				"name":      f.Name,
				"mime_type": f.MimeType,
			})
		}
		meta["files"] = files
	}
	if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
		meta["tools_used"] = toolNames(msg.ToolCalls)
		if summary := toolSummary(msg.ToolCalls); summary != "" {
			meta["tool_summary"] = summary
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil || len(meta) == 0 {
		return ""
	}
	return "<!-- METADATA: " + string(raw) + " -->\n"
}

func toolNames(calls []models.ToolCall) []string {
	seen := make(map[string]struct{}, len(calls))
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		names = append(names, c.Name)
	}
	return names
}

func toolSummary(calls []models.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		item := tools.DisplayFor(c.Name).PastLabel
		if detail := tools.DetailFor(c.Name, c.Input); detail != "" {
			item += ": " + detail
		}
		parts = append(parts, item)
		if len(parts) == maxToolSummaryItems {
			break
		}
	}
	return strings.Join(parts, "; ")
}

// relativePhrase renders an age for the prelude, empty for future or zero
// timestamps.
func relativePhrase(age time.Duration) string {
	switch {
	case age < 0:
		return ""
	case age < time.Minute:
		return "just now"
	case age < 48*time.Hour:
		return durationPhrase(age) + " ago"
	default:
		days := int(age.Hours() / 24)
		return fmt.Sprintf("%d days ago", days)
	}
}

func durationPhrase(d time.Duration) string {
	switch {
	case d < time.Hour:
		n := int(d.Minutes())
		if n <= 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d < 48*time.Hour:
		n := int(d.Hours())
		if n == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", n)
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

// inlineAttachments folds the current message's files into the prompt:
// images and PDFs become content blocks, readable text is inlined between
// named fences, everything else is mentioned so the model knows it exists.
func inlineAttachments(text string, files []reqctx.File) (string, []llm.ContentBlock) {
	if len(files) == 0 {
		return text, nil
	}
	var blocks []llm.ContentBlock
	var b strings.Builder
	b.WriteString(text)
	for _, f := range files {
		switch {
		case strings.HasPrefix(f.MimeType, "image/"):
			blocks = append(blocks, llm.ContentBlock{Type: llm.BlockImage, MimeType: f.MimeType, Data: f.Data})
		case f.MimeType == "application/pdf":
			blocks = append(blocks, llm.ContentBlock{Type: llm.BlockDocument, MimeType: f.MimeType, Data: f.Data})
		case isTextMime(f.MimeType):
			body := string(f.Data)
			if len(body) > maxInlineFileChars {
				body = body[:maxInlineFileChars] + "\n… (truncated)"
			}
			fmt.Fprintf(&b, "\n\n```%s\n%s\n```", f.Name, body)
		default:
			fmt.Fprintf(&b, "\n\n[Attached file %q (%s) was stored with the message.]", f.Name, f.MimeType)
		}
	}
	return b.String(), blocks
}

func isTextMime(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/javascript", "application/csv":
		return true
	}
	return false
}
