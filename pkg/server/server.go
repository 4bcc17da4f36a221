// Package server exposes the runtime over HTTP: chat (unary and SSE),
// node lifecycle, task results, quota usage, and conversation maintenance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/config"
	"github.com/flotilla-ai/flotilla/pkg/runtime"
)

// Server is the HTTP front end.
type Server struct {
	config  config.ServerConfig
	runtime *runtime.Runtime
	logger  *slog.Logger

	httpServer *http.Server
}

// New creates a server over a built runtime.
func New(cfg config.ServerConfig, rt *runtime.Runtime, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		runtime: rt,
		logger:  logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := time.Duration(s.config.ShutdownGraceSeconds) * time.Second
	if grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
