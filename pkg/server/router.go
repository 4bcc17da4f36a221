package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flotilla-ai/flotilla/pkg/fleet"
	"github.com/flotilla-ai/flotilla/pkg/observability"
)

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(
		s.runtime.Observability.GetTracer("server"),
		s.runtime.Observability.GetMetrics(),
	))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if h := s.runtime.Observability.MetricsHandler(); h != nil {
		r.Get(s.runtime.Observability.MetricsPath(), h.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Post("/register", s.handleRegisterNode)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Delete("/", s.handleUnregisterNode)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/results", s.handleTaskResult)
				r.Get("/quota", s.handleQuotaUsage)
				r.Get("/tasks", s.handleTaskFeed)
			})
		})

		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Delete("/", s.handleArchiveConversation)
			r.Get("/messages", s.handleReadMessages)
			r.Route("/checkpoints", func(r chi.Router) {
				r.Get("/", s.handleListCheckpoints)
				r.Post("/", s.handleCreateCheckpoint)
				r.Post("/{checkpointID}/rollback", s.handleRollback)
			})
		})

		r.Post("/requests/{requestID}/cancel", s.handleCancelRequest)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := "internal_error"
	status := http.StatusInternalServerError

	var fe *fleet.ErrorInfo
	if errors.As(err, &fe) {
		code = string(fe.Code)
		switch fe.Code {
		case fleet.ErrCodeNodeNotFound:
			status = http.StatusNotFound
		case fleet.ErrCodeInvalidPayload:
			status = http.StatusBadRequest
		case fleet.ErrCodeRateLimitExceeded, fleet.ErrCodeQuotaExceeded, fleet.ErrCodeStreamLimitExceeded:
			status = http.StatusTooManyRequests
		case fleet.ErrCodeNoAvailableNode, fleet.ErrCodeLLMUnavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "invalid_payload", Message: msg}})
}

func writeNotFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: msg}})
}
