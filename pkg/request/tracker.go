// Package request tracks in-flight requests so they can be cancelled
// individually or in bulk.
package request

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry describes one tracked request.
type Entry struct {
	RequestID string
	StartedAt time.Time
	Meta      map[string]string

	cancel context.CancelFunc
}

// DefaultMaxAge is how long an entry may live before the sweeper removes it.
const DefaultMaxAge = 5 * time.Minute

const sweepInterval = time.Minute

// Tracker maps request ids to abort handles. A background sweeper removes
// stale entries and stops itself when the tracker drains.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
	maxAge  time.Duration
	logger  *slog.Logger

	sweeping bool
	stop     chan struct{}
	closed   bool
}

// NewTracker creates a tracker. maxAge <= 0 uses DefaultMaxAge.
func NewTracker(maxAge time.Duration, logger *slog.Logger) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		maxAge:  maxAge,
		logger:  logger.With("component", "request"),
	}
}

// Register tracks a request. The cancel func is invoked on Cancel or when
// the entry goes stale. Registering an existing id replaces the entry after
// cancelling the old one.
func (t *Tracker) Register(requestID string, cancel context.CancelFunc, meta map[string]string) {
	if requestID == "" || cancel == nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return
	}
	if old, ok := t.entries[requestID]; ok {
		old.cancel()
	}
	t.entries[requestID] = &Entry{
		RequestID: requestID,
		StartedAt: time.Now(),
		Meta:      meta,
		cancel:    cancel,
	}
	t.ensureSweeperLocked()
	t.mu.Unlock()
}

// Unregister removes a request without cancelling it.
func (t *Tracker) Unregister(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// Cancel aborts a tracked request. Unknown ids are a no-op.
func (t *Tracker) Cancel(requestID string) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if ok {
		e.cancel()
		t.logger.Debug("request cancelled", "request_id", requestID)
	}
}

// CancelAll aborts every tracked request.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.entries = make(map[string]*Entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	if len(entries) > 0 {
		t.logger.Info("cancelled all in-flight requests", "count", len(entries))
	}
}

// Count returns the number of tracked requests.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// List returns snapshots of tracked entries, optionally filtered.
func (t *Tracker) List(filter func(Entry) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		snap := Entry{RequestID: e.RequestID, StartedAt: e.StartedAt, Meta: e.Meta}
		if filter == nil || filter(snap) {
			out = append(out, snap)
		}
	}
	return out
}

// Close cancels everything and stops the sweeper. The tracker rejects new
// registrations afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.sweeping {
		close(t.stop)
		t.sweeping = false
	}
	t.mu.Unlock()
	t.CancelAll()
}

// ensureSweeperLocked starts the sweeper if it is not running. Caller holds
// t.mu.
func (t *Tracker) ensureSweeperLocked() {
	if t.sweeping {
		return
	}
	t.sweeping = true
	t.stop = make(chan struct{})
	go t.sweep(t.stop)
}

func (t *Tracker) sweep(stop chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if t.sweepOnce() {
				return
			}
		}
	}
}

// sweepOnce removes stale entries and reports whether the sweeper should
// exit because the tracker drained.
func (t *Tracker) sweepOnce() bool {
	cutoff := time.Now().Add(-t.maxAge)

	t.mu.Lock()
	var stale []*Entry
	for id, e := range t.entries {
		if e.StartedAt.Before(cutoff) {
			stale = append(stale, e)
			delete(t.entries, id)
		}
	}
	done := len(t.entries) == 0
	if done {
		t.sweeping = false
	}
	t.mu.Unlock()

	for _, e := range stale {
		e.cancel()
		t.logger.Warn("swept stale request", "request_id", e.RequestID, "age", time.Since(e.StartedAt))
	}
	return done
}
