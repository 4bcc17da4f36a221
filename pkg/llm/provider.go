package llm

import (
	"context"
	"fmt"
	"sync"
)

// Provider is a model backend capable of unary and streaming chat.
type Provider interface {
	// Chat performs a non-streaming request.
	Chat(ctx context.Context, req ChatRequest) (*Response, error)

	// ChatStream performs a streaming request. The returned channel is
	// closed after the terminal chunk. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// ModelName returns the default model this provider targets.
	ModelName() string

	Close() error
}

// Registry holds named providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under a name. The first registered provider
// becomes the default.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider '%s' already registered", name)
	}
	r.providers[name] = p
	if r.def == "" {
		r.def = name
	}
	return nil
}

// Get returns a provider by name, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the default provider, if any.
func (r *Registry) Default() (Provider, bool) {
	return r.Get("")
}

// Close closes all registered providers and clears the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider '%s': %w", name, err)
		}
	}
	r.providers = make(map[string]Provider)
	r.def = ""
	return firstErr
}
