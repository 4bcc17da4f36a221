package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flotilla-ai/flotilla/pkg/eventbus"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
)

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var info fleet.RegisterInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	node, err := s.runtime.Fleet.Register(info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.runtime.Fleet.ListNodes()})
}

func (s *Server) handleUnregisterNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if err := s.runtime.Fleet.Unregister(nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": nodeID, "status": "unregistered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var payload fleet.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	connectionID := r.Header.Get("X-Connection-ID")
	if err := s.runtime.Fleet.Heartbeat(nodeID, payload, connectionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": nodeID, "status": "ok"})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var result fleet.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if result.TaskID == "" {
		writeBadRequest(w, "task_id is required")
		return
	}

	s.runtime.Fleet.HandleTaskResult(nodeID, result)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": result.TaskID, "status": "accepted"})
}

func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	writeJSON(w, http.StatusOK, s.runtime.Quota.Usage(nodeID))
}

// taskFeedKeepalive is how often an idle task feed emits a comment frame
// so proxies and clients can tell the connection is still alive.
const taskFeedKeepalive = 15 * time.Second

// handleTaskFeed streams task assignments for one node as server-sent
// events. A node holds this connection open, executes each task it
// receives, and reports back through POST /results.
func (s *Server) handleTaskFeed(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if s.runtime.Fleet.GetNode(nodeID) == nil {
		writeNotFound(w, "node not found: "+nodeID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	// Subscribe before the headers go out so an assignment racing the
	// connection setup is not lost.
	sub := s.runtime.Bus.Subscribe(eventbus.EventTaskAssigned)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher}
	keepalive := time.NewTicker(taskFeedKeepalive)
	defer keepalive.Stop()

	// A consumer that falls more than a buffer behind loses the oldest
	// assignments; those tasks time out on the manager side like any other.
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			sse.comment("keepalive")
		case ev := <-sub.C:
			if ev.Payload["node_id"] != nodeID {
				continue
			}
			sse.event("task", ev.Payload)
		}
	}
}
