package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/orchestrator"
)

type chatRequest struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []llm.Message `json:"messages"`
	Model          string        `json:"model,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	AgentID        string        `json:"agent_id,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeBadRequest(w, "messages cannot be empty")
		return
	}

	opts := orchestrator.Options{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		Model:          req.Model,
		Provider:       req.Provider,
	}

	if req.Stream {
		s.streamChat(w, r, req.Messages, opts)
		return
	}

	resp, err := s.runtime.Orchestrator.Chat(r.Context(), req.Messages, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sseWriter serializes writes onto the SSE connection; the stream observer
// fires from a proxy goroutine while the handler owns the final event.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

// comment writes an SSE comment frame, which clients ignore.
func (s *sseWriter) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

func (s *sseWriter) OnChunk(text string) {
	s.event("chunk", map[string]string{"text": text})
}

func (s *sseWriter) OnError(err error) {
	s.event("error", map[string]string{"message": err.Error()})
}

func (s *sseWriter) OnComplete(string) {
	// The terminal event carries the full response; emitted by the handler.
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, messages []llm.Message, opts orchestrator.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher}
	resp, err := s.runtime.Orchestrator.ChatStream(r.Context(), messages, opts, sse)
	if err != nil {
		sse.event("error", map[string]string{"message": err.Error()})
		return
	}
	sse.event("completed", resp)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	s.runtime.Tracker.Cancel(requestID)
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID, "status": "cancelled"})
}
