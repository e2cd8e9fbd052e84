package models

import "time"

// CostMode distinguishes interactive from autonomous spend.
type CostMode string

const (
	CostModeChat  CostMode = "chat"
	CostModeAgent CostMode = "agent"
)

// MessageCost is one append-only accounting row per assistant message.
// Cost rows survive conversation deletion.
type MessageCost struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Model          string    `json:"model"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	ImageCostUSD   float64   `json:"image_cost_usd,omitempty"`
	Mode           CostMode  `json:"mode"`
	CreatedAt      time.Time `json:"created_at"`
}
