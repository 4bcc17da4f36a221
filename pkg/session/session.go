// Package session maps conversations to stable session identifiers and
// tracks lightweight per-session metadata.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/flotilla-ai/flotilla/pkg/llm"
)

// Metadata is the per-session bookkeeping record.
type Metadata struct {
	SessionID         string    `json:"session_id"`
	AgentID           string    `json:"agent_id,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastMessageAt     time.Time `json:"last_message_at"`
	MessageCount      int       `json:"message_count"`
	TotalTokens       int64     `json:"total_tokens"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
}

// HistoryDeleter is the slice of the history store archival needs.
type HistoryDeleter interface {
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ScratchpadClearer drops a session's working notes on archive.
type ScratchpadClearer interface {
	ClearSession(sessionID string) int
}

const metadataCacheSize = 1000

// Registry resolves conversation ids to session ids. Sessions and
// conversations share the same identifier today; the two-map layout keeps
// the door open for divergence.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]string // conversationID -> sessionID
	metadata *lru.Cache[string, *Metadata]

	creating singleflight.Group
	history  HistoryDeleter
	scratch  ScratchpadClearer
	logger   *slog.Logger
}

// NewRegistry creates a session registry. history and scratch may be nil;
// archive then only clears in-memory state.
func NewRegistry(history HistoryDeleter, scratch ScratchpadClearer, logger *slog.Logger) (*Registry, error) {
	cache, err := lru.New[string, *Metadata](metadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]string),
		metadata: cache,
		history:  history,
		scratch:  scratch,
		logger:   logger.With("component", "session"),
	}, nil
}

// GetOrCreate returns the session id for a conversation, creating it on
// first touch. Concurrent first-touch callers all observe the same id and
// exactly one creation runs. An empty conversation id yields an empty
// session id.
func (r *Registry) GetOrCreate(agentID, userID, conversationID string) string {
	if conversationID == "" {
		return ""
	}

	r.mu.RLock()
	id, ok := r.sessions[conversationID]
	r.mu.RUnlock()
	if ok {
		return id
	}

	v, _, _ := r.creating.Do(conversationID, func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if id, ok := r.sessions[conversationID]; ok {
			return id, nil
		}

		sessionID := conversationID
		now := time.Now()
		r.sessions[conversationID] = sessionID
		r.metadata.Add(sessionID, &Metadata{
			SessionID:     sessionID,
			AgentID:       agentID,
			UserID:        userID,
			CreatedAt:     now,
			LastMessageAt: now,
		})
		r.logger.Debug("session created", "session_id", sessionID, "agent_id", agentID)
		return sessionID, nil
	})
	return v.(string)
}

// GetSessionID returns the session id for a conversation, or "".
func (r *Registry) GetSessionID(conversationID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[conversationID]
}

// Metadata returns a copy of a session's metadata, or nil.
func (r *Registry) Metadata(sessionID string) *Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.metadata.Get(sessionID)
	if !ok {
		return nil
	}
	cp := *md
	return &cp
}

// UpdateMetadata bumps the session's activity counters from a completed
// request. Unknown sessions are ignored.
func (r *Registry) UpdateMetadata(sessionID string, usage llm.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.metadata.Get(sessionID)
	if !ok {
		return
	}
	md.LastMessageAt = time.Now()
	md.MessageCount++
	md.TotalTokens += int64(usage.TotalTokens)
	md.TotalInputTokens += int64(usage.PromptTokens)
	md.TotalOutputTokens += int64(usage.CompletionTokens)
}

// Archive removes a conversation's session and metadata, then deletes its
// persisted history.
func (r *Registry) Archive(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	sessionID, ok := r.sessions[conversationID]
	if ok {
		delete(r.sessions, conversationID)
		r.metadata.Remove(sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no session for conversation %s", conversationID)
	}
	if r.scratch != nil {
		r.scratch.ClearSession(sessionID)
	}
	if r.history != nil {
		if err := r.history.DeleteConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("failed to delete conversation history: %w", err)
		}
	}
	r.logger.Info("session archived", "session_id", sessionID)
	return nil
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
