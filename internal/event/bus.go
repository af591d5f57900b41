package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// defaultQueueSize is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking the core.
const defaultQueueSize = 256

// Bus is a single-producer broadcast primitive. Call handlers publish;
// subscribers receive typed events on buffered channels. Delivery to a
// full subscriber queue drops the event for that subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64

	logger *slog.Logger
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // nil means all types
}

// NewBus creates an event bus ready for subscribers.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.With("subsystem", "eventbus"),
	}
}

// Subscribe registers a new subscriber for the given event types (all
// types when none are listed). The returned cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, defaultQueueSize)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish broadcasts an event to all matching subscribers. It never
// blocks: a subscriber whose queue is full misses this event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				"type", ev.Type,
			)
		}
	}
}

// Close shuts the bus down. Subsequent Publish calls are no-ops and all
// subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.logger.Info("event bus closed",
		"published", b.published.Load(),
		"dropped", b.dropped.Load(),
	)
}

// Stats returns the lifetime published and dropped counters.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
