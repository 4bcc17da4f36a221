package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flotilla-ai/flotilla/pkg/client"
	"github.com/flotilla-ai/flotilla/pkg/logger"
	"github.com/flotilla-ai/flotilla/pkg/worker"
)

// NodeCmd groups worker node operations.
type NodeCmd struct {
	Run NodeRunCmd `cmd:"" help:"Attach a worker node to a server and execute assigned tasks."`
}

// NodeRunCmd runs a worker node until interrupted.
type NodeRunCmd struct {
	Server       string        `help:"Server URL (defaults to $FLOTILLA_SERVER or http://localhost:8080)."`
	ID           string        `help:"Node identifier (default: generated)."`
	Name         string        `help:"Display name (default: the ID)."`
	Type         string        `help:"Node type (worker, companion, custom, hub)." default:"worker"`
	Capabilities []string      `help:"Capabilities to advertise."`
	MaxTasks     int           `name:"max-tasks" help:"Concurrent task limit." default:"4"`
	Heartbeat    time.Duration `help:"Heartbeat interval." default:"30s"`
}

func (c *NodeRunCmd) Run() error {
	serverURL := resolveServerURL(c.Server)

	w, err := worker.New(worker.Config{
		Server:             serverURL,
		ID:                 c.ID,
		Name:               c.Name,
		Type:               c.Type,
		Capabilities:       c.Capabilities,
		MaxConcurrentTasks: c.MaxTasks,
		HeartbeatInterval:  c.Heartbeat,
	}, logger.GetLogger())
	if err != nil {
		return err
	}
	registerBuiltinTools(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("node %s attached to %s (ctrl-c to stop)\n", w.ID(), serverURL)
	return w.Run(ctx)
}

// registerBuiltinTools installs the diagnostic tools a stock node ships
// with; real deployments embed pkg/worker and register their own.
func registerBuiltinTools(w *worker.Worker) {
	w.Handle("echo", func(_ context.Context, task client.TaskEvent) (map[string]any, error) {
		return map[string]any{"args": task.ToolArgs}, nil
	})
	w.Handle("time", func(_ context.Context, _ client.TaskEvent) (map[string]any, error) {
		return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	w.Handle("sleep", func(ctx context.Context, task client.TaskEvent) (map[string]any, error) {
		ms, _ := task.ToolArgs["duration_ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"slept_ms": int64(ms)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
