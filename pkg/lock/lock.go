// Package lock provides named locks backed by an external coordination
// store, with an in-process fallback when none is configured.
//
// Acquisition writes a unique token under the key; release performs a
// conditional delete that verifies the token, so a lock can only be released
// by its holder. Expired locks are reclaimable by the next acquirer.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BackendType identifies the coordination store.
type BackendType string

const (
	BackendInProcess BackendType = "inprocess"
	BackendConsul    BackendType = "consul"
	BackendEtcd      BackendType = "etcd"
	BackendZookeeper BackendType = "zookeeper"
)

// Config configures the lock manager.
type Config struct {
	Backend        BackendType   `yaml:"backend" json:"backend" mapstructure:"backend"`
	Endpoints      []string      `yaml:"endpoints" json:"endpoints" mapstructure:"endpoints"`
	Prefix         string        `yaml:"prefix" json:"prefix" mapstructure:"prefix"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
	TTL            time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendInProcess
	}
	if c.Prefix == "" {
		c.Prefix = "flotilla/locks/"
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case "", BackendInProcess, BackendConsul, BackendEtcd, BackendZookeeper:
	default:
		return fmt.Errorf("unknown lock backend: %s", c.Backend)
	}
	if c.Backend != "" && c.Backend != BackendInProcess && len(c.Endpoints) == 0 {
		return fmt.Errorf("lock backend %s requires endpoints", c.Backend)
	}
	return nil
}

// Options tune a single acquisition. Zero values use the manager defaults.
type Options struct {
	Timeout time.Duration
	TTL     time.Duration
}

// Backend is one coordination store.
type Backend interface {
	// TryAcquire attempts a single non-blocking acquisition with the token.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes the key only if it still holds the token.
	Release(ctx context.Context, key, token string) error
	Close() error
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	Key   string
	Token string

	once    sync.Once
	release func() error
}

// Release gives up the lock.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() { err = h.release() })
	return err
}

const retryInterval = 100 * time.Millisecond

// Manager hands out named locks.
type Manager struct {
	config  Config
	backend Backend
	logger  *slog.Logger
}

// NewManager creates a lock manager. When the configured backend cannot be
// reached, it falls back to the in-process backend so single-node
// deployments keep working.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lock")

	backend, err := newBackend(cfg)
	if err != nil {
		logger.Warn("lock backend unavailable, falling back to in-process locks",
			"backend", cfg.Backend, "error", err)
		backend = newInProcessBackend()
	}
	return &Manager{config: cfg, backend: backend, logger: logger}, nil
}

func newBackend(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendInProcess, "":
		return newInProcessBackend(), nil
	case BackendConsul:
		return newConsulBackend(cfg)
	case BackendEtcd:
		return newEtcdBackend(cfg)
	case BackendZookeeper:
		return newZookeeperBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", cfg.Backend)
	}
}

// Acquire obtains the named lock, retrying until the timeout.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key cannot be empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.config.AcquireTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.config.TTL
	}

	fullKey := m.config.Prefix + key
	token := uuid.New().String()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ok, err := m.backend.TryAcquire(actx, fullKey, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("lock acquisition failed for %s: %w", key, err)
		}
		if ok {
			return &Handle{
				Key:   key,
				Token: token,
				release: func() error {
					rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer rcancel()
					return m.backend.Release(rctx, fullKey, token)
				},
			}, nil
		}

		select {
		case <-actx.Done():
			return nil, fmt.Errorf("timed out acquiring lock %s after %s", key, timeout)
		case <-time.After(retryInterval):
		}
	}
}

// WithLock runs fn while holding the named lock.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	h, err := m.Acquire(ctx, key, Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Release(); err != nil {
			m.logger.Warn("lock release failed", "key", key, "error", err)
		}
	}()
	return fn()
}

// Close shuts down the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// inProcessBackend is a named-mutex table with TTL-based reclamation.
type inProcessBackend struct {
	mu    sync.Mutex
	locks map[string]inProcessEntry
}

type inProcessEntry struct {
	token     string
	expiresAt time.Time
}

func newInProcessBackend() *inProcessBackend {
	return &inProcessBackend{locks: make(map[string]inProcessEntry)}
}

func (b *inProcessBackend) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.locks[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	b.locks[key] = inProcessEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (b *inProcessBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.locks[key]; ok && e.token == token {
		delete(b.locks, key)
	}
	return nil
}

func (b *inProcessBackend) Close() error {
	return nil
}
