// Package quota admits LLM requests per node against request-rate, daily
// token, and stream-concurrency limits.
//
// The daily token bucket is advisory: token cost is only known after a
// request completes, so admission checks the bucket at its pre-request
// value and Complete settles the actual usage afterwards. A pre-reservation
// scheme with a conservative estimate can be layered on later without
// changing the Decision surface.
//
// With a UsageStore attached the daily ledger is persisted: counters are
// hydrated from storage on the first touch of a node-day and every
// completion is written through, so restarts do not reopen exhausted
// quotas. Storage failures degrade to memory-only operation.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Code identifies why a request was denied. Codes are stable across
// versions.
type Code string

const (
	CodeRequestsPerMinuteExceeded Code = "requests_per_minute_exceeded"
	CodeTokenQuotaExceeded        Code = "token_quota_exceeded"
	CodeStreamConcurrencyExceeded Code = "stream_concurrency_exceeded"
)

// Config holds the per-node limits. A zero value means unlimited.
type Config struct {
	RequestsPerMinute int   `yaml:"requests_per_minute" json:"requests_per_minute" mapstructure:"requests_per_minute"`
	TokensPerDay      int64 `yaml:"tokens_per_day" json:"tokens_per_day" mapstructure:"tokens_per_day"`
	ConcurrentStreams int   `yaml:"concurrent_streams" json:"concurrent_streams" mapstructure:"concurrent_streams"`

	// Persistence, when set, backs the daily token ledger with SQL.
	// Changing it requires a restart; UpdateConfig only swaps limits.
	Persistence *PersistenceConfig `yaml:"persistence" json:"persistence,omitempty" mapstructure:"persistence"`
}

// Validate checks the config for negative limits.
func (c *Config) Validate() error {
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative")
	}
	if c.TokensPerDay < 0 {
		return fmt.Errorf("tokens_per_day cannot be negative")
	}
	if c.ConcurrentStreams < 0 {
		return fmt.Errorf("concurrent_streams cannot be negative")
	}
	if c.Persistence != nil {
		// Validate against the defaulted form; the store applies the same
		// defaults when it opens.
		pc := *c.Persistence
		pc.SetDefaults()
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}
	}
	return nil
}

// Decision is the admission result. Stable across versions.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConsumeOptions describe the request being admitted.
type ConsumeOptions struct {
	Stream bool
}

// CompleteOptions settle a finished request.
type CompleteOptions struct {
	Stream bool
	Tokens int64
}

// Usage is a snapshot of a node's counters.
type Usage struct {
	RequestsLastMinute int   `json:"requests_last_minute"`
	TokensToday        int64 `json:"tokens_today"`
	ActiveStreams      int   `json:"active_streams"`
}

const rpmWindow = 60 * time.Second

// nodeState holds one node's counters, guarded by its own mutex so that
// operations on distinct nodes never contend.
type nodeState struct {
	mu sync.Mutex
	id string
	// requestTimes are the timestamps of recent requests, oldest first.
	requestTimes []time.Time
	// dayKey is the UTC calendar day the token counter belongs to.
	dayKey      string
	tokensToday int64
	// activeStreams counts streams admitted but not yet completed.
	activeStreams int
}

// Controller admits requests per node.
type Controller struct {
	mu     sync.RWMutex
	config Config
	nodes  map[string]*nodeState
	store  UsageStore
	logger *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewController creates a quota controller with in-memory counters only.
func NewController(cfg Config) (*Controller, error) {
	return NewControllerWithStore(cfg, nil, nil)
}

// NewControllerWithStore creates a quota controller whose daily token
// ledger is backed by the store. A nil store keeps counters memory-only.
func NewControllerWithStore(cfg Config, store UsageStore, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid quota config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config: cfg,
		nodes:  make(map[string]*nodeState),
		store:  store,
		logger: logger.With("component", "quota"),
		now:    time.Now,
	}, nil
}

func (c *Controller) state(nodeID string) *nodeState {
	c.mu.RLock()
	ns, ok := c.nodes[nodeID]
	c.mu.RUnlock()
	if ok {
		return ns
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok = c.nodes[nodeID]; ok {
		return ns
	}
	ns = &nodeState{id: nodeID}
	c.nodes[nodeID] = ns
	return ns
}

func (c *Controller) limits() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

func dayKeyOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// pruneWindow drops request timestamps older than the rolling window.
// Caller holds ns.mu.
func pruneWindow(ns *nodeState, now time.Time) {
	cutoff := now.Add(-rpmWindow)
	i := 0
	for i < len(ns.requestTimes) && !ns.requestTimes[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ns.requestTimes = append(ns.requestTimes[:0], ns.requestTimes[i:]...)
	}
}

// rollDay resets the token bucket when the UTC day changed, hydrating the
// new day's count from the store when one is attached. Caller holds ns.mu.
func (c *Controller) rollDay(ns *nodeState, now time.Time) {
	key := dayKeyOf(now)
	if ns.dayKey == key {
		return
	}
	ns.dayKey = key
	ns.tokensToday = 0

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := c.store.LoadDay(ctx, ns.id, key)
	if err != nil {
		c.logger.Warn("failed to load persisted usage", "node_id", ns.id, "day", key, "error", err)
		return
	}
	ns.tokensToday = stored
}

// Consume atomically checks all applicable limits for a node and, when
// allowed, records the request in the minute window and (for streams)
// increments the concurrent-stream counter.
func (c *Controller) Consume(nodeID string, opts ConsumeOptions) Decision {
	limits := c.limits()
	ns := c.state(nodeID)
	now := c.now()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	pruneWindow(ns, now)
	c.rollDay(ns, now)

	if limits.RequestsPerMinute > 0 && len(ns.requestTimes) >= limits.RequestsPerMinute {
		return Decision{
			Allowed: false,
			Code:    CodeRequestsPerMinuteExceeded,
			Message: fmt.Sprintf("request rate limit exceeded (%d/min)", limits.RequestsPerMinute),
		}
	}

	// Token cost is unknown before the request, so the bucket is checked at
	// its current value.
	if limits.TokensPerDay > 0 && ns.tokensToday >= limits.TokensPerDay {
		return Decision{
			Allowed: false,
			Code:    CodeTokenQuotaExceeded,
			Message: fmt.Sprintf("daily token quota exceeded (%d/day)", limits.TokensPerDay),
		}
	}

	if opts.Stream && limits.ConcurrentStreams > 0 && ns.activeStreams >= limits.ConcurrentStreams {
		return Decision{
			Allowed: false,
			Code:    CodeStreamConcurrencyExceeded,
			Message: fmt.Sprintf("concurrent stream limit exceeded (%d)", limits.ConcurrentStreams),
		}
	}

	ns.requestTimes = append(ns.requestTimes, now)
	if opts.Stream {
		ns.activeStreams++
	}
	return Decision{Allowed: true}
}

// Complete settles a finished request: the concurrent-stream counter is
// decremented for streams and the token cost is added to today's bucket
// and written through to the store when one is attached.
func (c *Controller) Complete(nodeID string, opts CompleteOptions) {
	ns := c.state(nodeID)
	now := c.now()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	c.rollDay(ns, now)
	if opts.Stream && ns.activeStreams > 0 {
		ns.activeStreams--
	}
	if opts.Tokens <= 0 {
		return
	}
	ns.tokensToday += opts.Tokens

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	total, err := c.store.AddTokens(ctx, nodeID, ns.dayKey, opts.Tokens)
	if err != nil {
		c.logger.Warn("failed to persist usage", "node_id", nodeID, "day", ns.dayKey, "error", err)
		return
	}
	// Another process may be settling against the same ledger; adopt the
	// higher stored total so admission sees combined usage.
	if total > ns.tokensToday {
		ns.tokensToday = total
	}
}

// UpdateConfig replaces the limits. In-flight counters survive.
func (c *Controller) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid quota config: %w", err)
	}
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return nil
}

// Usage returns a snapshot of a node's counters.
func (c *Controller) Usage(nodeID string) Usage {
	ns := c.state(nodeID)
	now := c.now()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	pruneWindow(ns, now)
	c.rollDay(ns, now)
	return Usage{
		RequestsLastMinute: len(ns.requestTimes),
		TokensToday:        ns.tokensToday,
		ActiveStreams:      ns.activeStreams,
	}
}

// Reset clears a node's counters, including any persisted rows.
func (c *Controller) Reset(nodeID string) {
	ns := c.state(nodeID)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.requestTimes = nil
	ns.tokensToday = 0
	ns.activeStreams = 0

	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.DeleteNode(ctx, nodeID); err != nil {
		c.logger.Warn("failed to delete persisted usage", "node_id", nodeID, "error", err)
	}
}

// PruneUsageBefore removes persisted ledger rows for days before the
// timestamp. A no-op without a store.
func (c *Controller) PruneUsageBefore(ctx context.Context, t time.Time) (int64, error) {
	if c.store == nil {
		return 0, nil
	}
	return c.store.DeleteBefore(ctx, dayKeyOf(t))
}

// Close releases the usage store when one is attached.
func (c *Controller) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
