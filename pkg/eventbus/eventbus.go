// Package eventbus provides local publish/subscribe for control-plane
// events. Publish never blocks: each subscriber owns a buffered channel and
// a slow subscriber drops its oldest pending events rather than stalling
// producers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Control-plane event names. Subscriptions are exact-name only; there are no
// wildcards.
const (
	EventNodeRegistered   = "node_registered"
	EventNodeUnregistered = "node_unregistered"
	EventNodeHeartbeat    = "node_heartbeat"
	EventNodeStatusChange = "node_status_changed"
	EventNodeDisconnected = "node_disconnected"

	EventTaskAssigned  = "task_assigned"
	EventTaskCompleted = "task_completed"
	EventTaskTimeout   = "task_timeout"

	EventLLMProxyStarted         = "llm_proxy_started"
	EventLLMProxyStreamChunk     = "llm_proxy_stream_chunk"
	EventLLMProxyStreamCompleted = "llm_proxy_stream_completed"
	EventLLMProxyCompleted       = "llm_proxy_completed"
	EventLLMProxyRateLimited     = "llm_proxy_rate_limited"

	EventUserRequestRejected = "USER_REQUEST_REJECTED"
)

// Event is a published control-plane event.
type Event struct {
	Name      string
	Payload   map[string]any
	Timestamp time.Time
}

// Subscription receives events for a single name.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	name   string
	bus    *Bus
	closed atomic.Bool
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.bus.unsubscribe(s)
}

// Bus is a local event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	dropped atomic.Int64
}

// DefaultBuffer is the per-subscription channel buffer size.
const DefaultBuffer = 64

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers interest in an exact event name.
func (b *Bus) Subscribe(name string) *Subscription {
	return b.SubscribeBuffered(name, DefaultBuffer)
}

// SubscribeBuffered registers interest with an explicit buffer size.
func (b *Bus) SubscribeBuffered(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, name: name, bus: b}

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.name]
	for i, s := range list {
		if s == sub {
			b.subs[sub.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.name]) == 0 {
		delete(b.subs, sub.name)
	}
}

// Publish delivers an event to all subscribers of its exact name. When a
// subscriber's buffer is full, its oldest pending event is dropped to make
// room; the producer is never blocked.
func (b *Bus) Publish(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	subs := b.subs[name]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop oldest, then retry once.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the number of events dropped due to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of subscriptions for a name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
