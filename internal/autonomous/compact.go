package autonomous

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/pkg/models"
)

const (
	defaultCompactionThreshold = 30
	defaultKeepRecent          = 10
	defaultMaxSummaryWords     = 500

	// maxTranscriptChars bounds the summarizer input so a runaway history
	// cannot produce a runaway summarization bill.
	maxTranscriptChars = 30000

	summarySystem = "You compact conversation history for an autonomous agent. Write a past-tense summary of what happened: decisions made, actions taken, facts established, open items. No preamble, no commentary."
)

// maybeCompact replaces the conversation's older messages with one synthetic
// summary when the history has grown past the threshold. Compaction is lossy
// and strictly best-effort: any failure is logged and the run proceeds on
// the full history.
func (e *Executor) maybeCompact(ctx context.Context, agent *models.Agent, conv *models.Conversation) {
	threshold := e.cfg.CompactionThreshold
	if threshold <= 0 {
		threshold = defaultCompactionThreshold
	}
	keep := e.cfg.KeepRecent
	if keep <= 0 {
		keep = defaultKeepRecent
	}

	msgs, err := e.stores.Conversations.Messages(ctx, conv.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "compaction skipped: load history",
			"conversation_id", conv.ID, "error", err)
		return
	}
	if len(msgs) <= threshold || len(msgs) <= keep {
		return
	}
	old := msgs[:len(msgs)-keep]

	summary, err := e.summarize(ctx, agent, old)
	if err != nil {
		e.recordCompaction("error")
		e.logger.WarnContext(ctx, "compaction skipped: summarize",
			"conversation_id", conv.ID, "messages", len(old), "error", err)
		return
	}

	removeIDs := make([]string, len(old))
	for i, m := range old {
		removeIDs[i] = m.ID
	}
	row := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleSystem,
		Content:        fmt.Sprintf("[Compacted history: summary of %d earlier messages]\n\n%s", len(old), summary),
		// The last removed message's timestamp keeps the summary ahead of
		// the retained tail in created_at order.
		CreatedAt: old[len(old)-1].CreatedAt,
	}
	if err := e.stores.Conversations.CompactMessages(ctx, conv.ID, removeIDs, row); err != nil {
		e.recordCompaction("error")
		e.logger.WarnContext(ctx, "compaction skipped: splice",
			"conversation_id", conv.ID, "error", err)
		return
	}
	e.recordCompaction("ok")
	e.logger.InfoContext(ctx, "compacted conversation",
		"conversation_id", conv.ID, "agent_id", agent.ID,
		"removed", len(removeIDs), "kept", keep)
}

// summarize asks the summary model for a bounded past-tense digest of msgs.
func (e *Executor) summarize(ctx context.Context, agent *models.Agent, msgs []*models.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	transcript := b.String()
	if transcript == "" {
		return "", errors.New("nothing to summarize")
	}
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[:maxTranscriptChars]
	}

	model := e.cfg.SummaryModel
	if model == "" {
		model = e.cfg.DefaultModel
	}
	maxWords := e.cfg.MaxSummaryWords
	if maxWords <= 0 {
		maxWords = defaultMaxSummaryWords
	}

	chunks, err := e.completer.Complete(ctx, &llm.Request{
		Model:  model,
		System: summarySystem,
		Messages: []llm.Message{{
			Role:    string(models.RoleUser),
			Content: fmt.Sprintf("Summarize this conversation history in at most %d words:\n\n%s", maxWords, transcript),
		}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	res, err := llm.Collect(ctx, chunks)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Text)
	if out == "" {
		return "", errors.New("summary model returned nothing")
	}
	return out, nil
}

func (e *Executor) recordCompaction(status string) {
	if e.metrics != nil {
		e.metrics.RecordCompaction(status)
	}
}
