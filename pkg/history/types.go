// Package history provides append-only conversation persistence with
// checkpoint snapshots, message marks, and effective-context state.
package history

import (
	"encoding/json"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Entry is one persisted conversation turn. Entries are never mutated;
// deletion happens only at conversation archival or rollback.
type Entry struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           llm.Role  `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Metadata       string    `json:"metadata,omitempty"`
}

// Message converts the entry back into the runtime message model.
func (e Entry) Message() llm.Message {
	return llm.Message{Role: e.Role, Content: e.Content}
}

// Checkpoint is an immutable snapshot of a conversation's messages.
type Checkpoint struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Messages       []llm.Message `json:"messages"`
	TokenCount     int           `json:"token_count"`
	MessageCount   int           `json:"message_count"`
	Reason         string        `json:"reason"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
}

// EffectiveContext is the shaped message list currently sent to the model
// for a session. At most one exists per session.
type EffectiveContext struct {
	SessionID            string          `json:"session_id"`
	ConversationID       string          `json:"conversation_id"`
	Messages             []llm.Message   `json:"messages"`
	TokenCount           int             `json:"token_count"`
	MessageCount         int             `json:"message_count"`
	CompressionSummary   string          `json:"compression_summary,omitempty"`
	CompressedMessageIDs []int64         `json:"compressed_message_ids,omitempty"`
	LastAction           json.RawMessage `json:"last_action,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// MarkKind classifies a message mark. Marks are purely advisory.
type MarkKind string

const (
	MarkCompressed MarkKind = "compressed"
	MarkTruncated  MarkKind = "truncated"
	MarkPruned     MarkKind = "pruned"
	MarkImportant  MarkKind = "important"
	MarkPinned     MarkKind = "pinned"
)

// Mark annotates a stored message.
type Mark struct {
	ID             int64     `json:"id"`
	MessageID      int64     `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Kind           MarkKind  `json:"mark_type"`
	ActionID       string    `json:"action_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Metadata       string    `json:"metadata,omitempty"`
}

// RestoredCheckpoint is the result of restoring a checkpoint.
type RestoredCheckpoint struct {
	ConversationID string
	Messages       []llm.Message
	TokenCount     int
}
