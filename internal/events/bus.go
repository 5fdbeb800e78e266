// Package events fans out state transition events to in-process subscribers
// (event forwarder, websocket clients). Publishing never blocks: the registry
// publishes while holding a per-service lock.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/MrSnakeDoc/wake/internal/domain"
	"github.com/MrSnakeDoc/wake/internal/logger"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

type subscription struct {
	ch      chan domain.Event
	dropped atomic.Uint64
}

// Bus is a non-blocking publish/subscribe hub for domain.Event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger logger.Logger
	closed bool
}

// NewBus creates an empty bus.
func NewBus(log logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: log,
	}
}

// Publish delivers e to every subscriber. Slow subscribers lose events instead of stalling the caller.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			if b.logger != nil && (n == 1 || n%100 == 0) {
				b.logger.Warn("event subscriber too slow, dropping events",
					logger.Uint64("subscriber", id),
					logger.Uint64("dropped", n),
					logger.Service(e.ServiceID))
			}
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan domain.Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
