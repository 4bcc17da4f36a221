package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-ai/flotilla/pkg/history"
	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/tokens"
)

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := s.runtime.Store.Read(r.Context(), conversationID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

func (s *Server) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if err := s.runtime.Sessions.Archive(r.Context(), conversationID); err != nil {
		// No live session: still delete stored history directly.
		if derr := s.runtime.Store.DeleteConversation(r.Context(), conversationID); derr != nil {
			writeError(w, derr)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": conversationID, "status": "archived"})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	checkpoints, err := s.runtime.Store.ListCheckpoints(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints})
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}

	entries, err := s.runtime.Store.Read(r.Context(), conversationID, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(entries) == 0 {
		writeNotFound(w, "conversation has no messages")
		return
	}

	msgList := entriesToMessages(entries)
	tokenCount := 0
	for _, m := range msgList {
		tokenCount += tokens.EstimateMessage(m)
	}

	id, err := s.runtime.Store.CreateCheckpoint(r.Context(), conversationID, msgList, tokenCount, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            id,
		"message_count": len(msgList),
		"token_count":   tokenCount,
		"reason":        body.Reason,
	})
}

func entriesToMessages(entries []history.Entry) []llm.Message {
	out := make([]llm.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message()
	}
	return out
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	checkpointID := chi.URLParam(r, "checkpointID")

	restored, err := s.runtime.Store.RollbackToCheckpoint(r.Context(), conversationID, checkpointID)
	if err != nil {
		if errors.Is(err, history.ErrCheckpointNotFound) || errors.Is(err, history.ErrCheckpointMismatch) {
			writeNotFound(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": restored.ConversationID,
		"message_count":   len(restored.Messages),
		"token_count":     restored.TokenCount,
	})
}
