// Package worker runs an external fleet node. A worker registers with a
// server, heartbeats on an interval, follows its task feed, executes
// assigned tools through registered handlers, and reports results back.
//
// Handlers cover the common case of a tool producing one result map. A
// node that needs to return delegations builds on pkg/client directly.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ai/flotilla/pkg/client"
	"github.com/flotilla-ai/flotilla/pkg/fleet"
)

// Handler executes one tool invocation. The context carries the task's
// deadline when the assignment set one.
type Handler func(ctx context.Context, task client.TaskEvent) (map[string]any, error)

// Config configures a worker node.
type Config struct {
	// Server is the base URL of the orchestration server.
	Server string `yaml:"server" json:"server" mapstructure:"server"`

	ID           string   `yaml:"id" json:"id" mapstructure:"id"`
	Name         string   `yaml:"name" json:"name" mapstructure:"name"`
	Type         string   `yaml:"type" json:"type" mapstructure:"type"`
	Capabilities []string `yaml:"capabilities" json:"capabilities" mapstructure:"capabilities"`

	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" mapstructure:"heartbeat_interval"`

	// ReconnectBackoff is the initial delay before re-attaching a lost
	// connection; it doubles per failure up to a 30s cap.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" json:"reconnect_backoff" mapstructure:"reconnect_backoff"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Server == "" {
		c.Server = "http://localhost:8080"
	}
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()[:8]
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Type == "" {
		c.Type = string(fleet.NodeTypeWorker)
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch fleet.NodeType(c.Type) {
	case fleet.NodeTypeWorker, fleet.NodeTypeCompanion, fleet.NodeTypeCustom, fleet.NodeTypeHub:
	default:
		return fmt.Errorf("unsupported node type: %s", c.Type)
	}
	return nil
}

const (
	maxReconnectBackoff = 30 * time.Second
	callTimeout         = 10 * time.Second
)

// Worker is one running node.
type Worker struct {
	config       Config
	api          *client.Client
	logger       *slog.Logger
	handlers     map[string]Handler
	connectionID string
	active       atomic.Int32
}

// New builds a worker. Register handlers with Handle before calling Run.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		config:       cfg,
		api:          client.New(cfg.Server),
		logger:       logger.With("component", "worker", "node_id", cfg.ID),
		handlers:     make(map[string]Handler),
		connectionID: uuid.NewString(),
	}, nil
}

// ID returns the node identifier the worker registers under.
func (w *Worker) ID() string { return w.config.ID }

// Handle registers fn for a tool name. Not safe to call once Run has
// started.
func (w *Worker) Handle(toolName string, fn Handler) {
	w.handlers[toolName] = fn
}

// Tools lists the registered tool names, sorted.
func (w *Worker) Tools() []string {
	out := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run attaches to the server and works until ctx is cancelled. Lost
// connections re-attach with exponential backoff; registration is
// repeated on each attach so a restarted server re-learns the node.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.config.ReconnectBackoff
	for {
		start := time.Now()
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.unregister()
			return nil
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > maxReconnectBackoff {
			backoff = w.config.ReconnectBackoff
		}
		w.logger.Warn("connection lost, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			w.unregister()
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// session registers, opens the task feed, and pumps work until the
// connection drops or ctx ends.
func (w *Worker) session(ctx context.Context) error {
	regCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := w.api.RegisterNode(regCtx, fleet.RegisterInfo{
		ID:                 w.config.ID,
		Name:               w.config.Name,
		Type:               fleet.NodeType(w.config.Type),
		Capabilities:       w.config.Capabilities,
		Tools:              w.Tools(),
		MaxConcurrentTasks: w.config.MaxConcurrentTasks,
		ConnectionID:       w.connectionID,
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	tasks, err := w.api.TaskFeed(ctx, w.config.ID)
	if err != nil {
		return fmt.Errorf("failed to open task feed: %w", err)
	}
	w.logger.Info("worker online", "server", w.config.Server, "tools", w.Tools())

	heartbeat := time.NewTicker(w.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			w.sendHeartbeat(ctx)
		case task, ok := <-tasks:
			if !ok {
				return fmt.Errorf("task feed closed")
			}
			// The server stops assigning at max_concurrent_tasks, so
			// unbounded goroutines here stay bounded in practice.
			go w.execute(ctx, task)
		}
	}
}

func (w *Worker) execute(ctx context.Context, task client.TaskEvent) {
	w.active.Add(1)
	defer w.active.Add(-1)

	result := fleet.TaskResult{TaskID: task.TaskID}

	fn, ok := w.handlers[task.ToolName]
	if !ok {
		result.Error = fmt.Sprintf("no handler for tool %q", task.ToolName)
	} else {
		runCtx := ctx
		if task.TimeoutMs > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		out, err := fn(runCtx, task)
		if err != nil {
			result.Error = err.Error()
			w.logger.Warn("task failed", "task_id", task.TaskID, "tool", task.ToolName, "error", err)
		} else {
			result.Success = true
			result.Result = out
		}
	}

	// Post with a background context: a shutdown mid-task should still
	// report the outcome it has.
	postCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := w.api.PostTaskResult(postCtx, w.config.ID, result); err != nil {
		w.logger.Warn("failed to report task result", "task_id", task.TaskID, "error", err)
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	active := int(w.active.Load())

	hbCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := w.api.Heartbeat(hbCtx, w.config.ID, fleet.HeartbeatPayload{ActiveTasks: &active}, w.connectionID); err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

func (w *Worker) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := w.api.UnregisterNode(ctx, w.config.ID); err != nil {
		w.logger.Warn("failed to unregister", "error", err)
	}
}
