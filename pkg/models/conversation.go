package models

import "time"

// Conversation is a thread of messages owned by one user.
//
// IsPlanning and IsAgent are mutually exclusive: a planner conversation is
// the per-user daily-reset planner surface, an agent conversation is owned
// by exactly one autonomous agent for its whole life. Regular conversations
// have both false.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	IsPlanning bool      `json:"is_planning,omitempty"`
	IsAgent    bool      `json:"is_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// User is an authenticated account. Created on first sign-in, never deleted.
type User struct {
	ID                 string         `json:"id"`
	Email              string         `json:"email"`
	Name               string         `json:"name,omitempty"`
	CustomInstructions string         `json:"custom_instructions,omitempty"`
	Timezone           string         `json:"timezone,omitempty"`
	// Integrations holds opaque per-integration credential blobs (refresh
	// tokens, expiries, selected calendar ids). Braid stores and forwards
	// them; the integration bodies that use them are external.
	Integrations map[string]any `json:"integrations,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MemoryEntry is one record in a user's long-term memory store. Entries are
// mutated only through the manage_memory metadata tool.
type MemoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
