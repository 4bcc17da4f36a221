// Package scratchpad holds per-session working notes for strategies and
// other transient producers. Entries are keyed by (session, layer), evicted
// by LRU with a TTL, and capped in size per entry; content may disappear at
// any time, so nothing durable belongs here.
package scratchpad

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Config configures the scratchpad bounds.
type Config struct {
	// MaxEntries caps the number of (session, layer) entries held at once.
	MaxEntries int `yaml:"max_entries" json:"max_entries" mapstructure:"max_entries"`

	// MaxEntryBytes caps one entry's content. Oversized content keeps the
	// newest tail.
	MaxEntryBytes int `yaml:"max_entry_bytes" json:"max_entry_bytes" mapstructure:"max_entry_bytes"`

	// TTL expires entries not written or read within the window.
	TTL time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 4096
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = 64 * 1024
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries cannot be negative")
	}
	if c.MaxEntryBytes < 0 {
		return fmt.Errorf("max_entry_bytes cannot be negative")
	}
	return nil
}

type key struct {
	session string
	layer   string
}

// Pad is the scratchpad. All methods are safe for concurrent use.
type Pad struct {
	config Config

	// mu serializes compound operations (append, clear); the LRU has its
	// own lock for single lookups.
	mu      sync.Mutex
	entries *lru.LRU[key, string]
}

// New creates a scratchpad.
func New(cfg Config) *Pad {
	cfg.SetDefaults()
	return &Pad{
		config:  cfg,
		entries: lru.NewLRU[key, string](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Write replaces a layer's content. Oversized content is head-truncated to
// the entry cap, keeping the newest tail.
func (p *Pad) Write(sessionID, layer, content string) {
	if sessionID == "" || layer == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries.Add(key{sessionID, layer}, truncateTail(content, p.config.MaxEntryBytes))
}

// Append joins content onto a layer with a newline, head-truncating to the
// entry cap. It returns the stored content.
func (p *Pad) Append(sessionID, layer, content string) string {
	if sessionID == "" || layer == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{sessionID, layer}
	joined := content
	if prev, ok := p.entries.Get(k); ok && prev != "" {
		joined = prev + "\n" + content
	}
	joined = truncateTail(joined, p.config.MaxEntryBytes)
	p.entries.Add(k, joined)
	return joined
}

// Read returns a layer's content. A missing or expired entry reads as
// ("", false).
func (p *Pad) Read(sessionID, layer string) (string, bool) {
	return p.entries.Get(key{sessionID, layer})
}

// Delete removes one layer.
func (p *Pad) Delete(sessionID, layer string) {
	p.entries.Remove(key{sessionID, layer})
}

// ClearSession removes every layer of a session and returns how many were
// dropped.
func (p *Pad) ClearSession(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for _, k := range p.entries.Keys() {
		if k.session == sessionID && p.entries.Remove(k) {
			removed++
		}
	}
	return removed
}

// Layers returns a session's layer names, sorted.
func (p *Pad) Layers(sessionID string) []string {
	var layers []string
	for _, k := range p.entries.Keys() {
		if k.session != sessionID {
			continue
		}
		if _, ok := p.entries.Peek(k); ok {
			layers = append(layers, k.layer)
		}
	}
	sort.Strings(layers)
	return layers
}

// Len returns the number of live entries across all sessions.
func (p *Pad) Len() int {
	return p.entries.Len()
}

// truncateTail keeps at most max bytes from the end of s, advancing past a
// split rune so the result stays valid UTF-8.
func truncateTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := len(s) - max
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
