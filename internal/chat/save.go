package chat

import (
	"bytes"
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/blob"
	"github.com/braidhq/braid/internal/fault"
	"github.com/braidhq/braid/internal/llm"
	"github.com/braidhq/braid/internal/toolbuf"
	"github.com/braidhq/braid/internal/tools"
	"github.com/braidhq/braid/pkg/models"
)

const titleSystem = "You title conversations. Reply with only the title: 3 to 6 plain words, no quotes, no trailing punctuation."

const maxTitleLength = 80

// SaveOptions tunes the persistence step of a turn.
type SaveOptions struct {
	// Mode tags the cost row: interactive chat or autonomous agent run.
	Mode models.CostMode

	// PlaceholderID, when set, updates that pre-inserted message in place
	// instead of adding a new row.
	PlaceholderID string

	// FirstExchange triggers best-effort title generation after saving.
	FirstExchange bool
}

// Save persists the outcome of a run: the assistant message row with files,
// sources, generated images, and detected language, then memory operations,
// the cost row, and on a first exchange a generated title. The tool output
// buffer is drained here, exactly once per run.
func (s *Service) Save(ctx context.Context, req *Request, run *RunResult, opts SaveOptions) (*models.Message, error) {
	ext := extractMetadata(run.State.Messages)
	captures := s.buffer.Take(run.RequestID)
	if len(ext.Sources) == 0 {
		ext.Sources = sourcesFromSearches(captures)
	}

	msgID := opts.PlaceholderID
	createdAt := s.now().UTC()
	if msgID == "" {
		msgID = uuid.NewString()
	} else if prior, err := s.stores.Conversations.GetMessageByID(ctx, msgID); err == nil {
		// Keep the placeholder's slot in the message ordering.
		createdAt = prior.CreatedAt
	}

	files, images := s.materializeFiles(ctx, msgID, captures, ext.Images)

	msg := &models.Message{
		ID:              msgID,
		ConversationID:  req.Conversation.ID,
		Role:            models.RoleAssistant,
		Content:         run.Content,
		Files:           files,
		Sources:         ext.Sources,
		GeneratedImages: images,
		Language:        detectLanguage(run.Content),
		ToolCalls:       run.ToolCalls,
		ToolResults:     run.ToolResults,
		Metadata:        run.Metadata,
		CreatedAt:       createdAt,
	}

	var err error
	if opts.PlaceholderID != "" {
		err = s.stores.Conversations.UpdateMessage(ctx, msg)
	} else {
		err = s.stores.Conversations.AddMessage(ctx, msg)
	}
	if err != nil {
		return nil, fault.Fatal("save assistant message", err)
	}

	s.applyMemoryOps(ctx, req.User, ext.MemoryOps)

	if err := s.recordCost(ctx, req, msg, run, len(images), opts.Mode); err != nil {
		return nil, fault.Fatal("record message cost", err)
	}

	if opts.FirstExchange {
		s.generateTitle(ctx, req)
	}
	return msg, nil
}

// materializeFiles writes captured tool files to the blob store under the
// assistant message id and returns the file refs plus the generated-image
// records with their file indexes linked in capture order. Blob failures
// drop the file, never the message.
func (s *Service) materializeFiles(ctx context.Context, msgID string, captures []toolbuf.Capture, images []models.GeneratedImage) ([]models.FileRef, []models.GeneratedImage) {
	var refs []models.FileRef
	imageIdx := 0
	for _, c := range captures {
		for _, f := range c.Files {
			idx := len(refs)
			key := models.BlobKey(msgID, idx)
			if _, err := s.blobs.Put(ctx, key, bytes.NewReader(f.Data), blob.PutOptions{MimeType: f.MimeType}); err != nil {
				s.logger.WarnContext(ctx, "store tool output file",
					"tool", c.Tool, "name", f.Name, "error", err)
				continue
			}
			refs = append(refs, models.FileRef{
				Index:    idx,
				Name:     f.Name,
				MimeType: f.MimeType,
				Size:     int64(len(f.Data)),
			})
			if c.Tool == tools.NameGenerateImage && imageIdx < len(images) {
				images[imageIdx].FileIndex = idx
				imageIdx++
			}
		}
	}
	return refs, images
}

// applyMemoryOps runs the manage_memory operations. Each op is independent
// and best-effort; a failed op is logged and the rest still apply.
func (s *Service) applyMemoryOps(ctx context.Context, user *models.User, ops []memoryOp) {
	if user == nil || len(ops) == 0 {
		return
	}
	now := s.now().UTC()
	for _, op := range ops {
		var err error
		switch op.Action {
		case "add":
			if strings.TrimSpace(op.Content) == "" {
				continue
			}
			err = s.stores.Memories.Add(ctx, &models.MemoryEntry{
				ID:        uuid.NewString(),
				UserID:    user.ID,
				Content:   op.Content,
				Category:  op.Category,
				CreatedAt: now,
				UpdatedAt: now,
			})
		case "update":
			if op.ID == "" {
				continue
			}
			err = s.stores.Memories.Update(ctx, &models.MemoryEntry{
				ID:        op.ID,
				UserID:    user.ID,
				Content:   op.Content,
				Category:  op.Category,
				UpdatedAt: now,
			})
		case "delete":
			if op.ID == "" {
				continue
			}
			err = s.stores.Memories.Delete(ctx, user.ID, op.ID)
		default:
			s.logger.WarnContext(ctx, "unknown memory action", "action", op.Action)
			continue
		}
		if err != nil {
			s.logger.WarnContext(ctx, "memory operation failed",
				"action", op.Action, "user_id", user.ID, "error", err)
		}
	}
}

func (s *Service) recordCost(ctx context.Context, req *Request, msg *models.Message, run *RunResult, images int, mode models.CostMode) error {
	model := s.resolveModel(req)
	tokensUSD, imagesUSD := s.prices.Estimate(model, run.Usage, images)
	return s.stores.Costs.Create(ctx, &models.MessageCost{
		ID:             uuid.NewString(),
		MessageID:      msg.ID,
		ConversationID: req.Conversation.ID,
		UserID:         req.Conversation.UserID,
		Model:          model,
		InputTokens:    run.Usage.InputTokens,
		OutputTokens:   run.Usage.OutputTokens,
		CostUSD:        tokensUSD,
		ImageCostUSD:   imagesUSD,
		Mode:           mode,
		CreatedAt:      s.now().UTC(),
	})
}

// generateTitle names the conversation from its opening message. Failures
// only log; the conversation keeps its default title.
func (s *Service) generateTitle(ctx context.Context, req *Request) {
	model := s.cfg.TitleModel
	if model == "" {
		model = s.cfg.DefaultModel
	}
	prompt := req.UserMessage.Content
	if len(prompt) > 2000 {
		prompt = prompt[:2000]
	}
	chunks, err := s.completer.Complete(ctx, &llm.Request{
		Model:     model,
		System:    titleSystem,
		Messages:  []llm.Message{{Role: string(models.RoleUser), Content: prompt}},
		MaxTokens: 32,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "title generation failed", "error", err)
		return
	}
	res, err := llm.Collect(ctx, chunks)
	if err != nil {
		s.logger.WarnContext(ctx, "title generation failed", "error", err)
		return
	}
	title := strings.Trim(strings.TrimSpace(res.Text), `"'`)
	if title == "" {
		return
	}
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}
	if err := s.stores.Conversations.SetTitle(ctx, req.Conversation.ID, title); err != nil {
		s.logger.WarnContext(ctx, "set conversation title", "error", err)
	}
}
