// Package events provides the typed, bounded event bus the engine publishes
// to. Publishing never blocks: a subscriber whose buffer is full loses the
// event and the loss is counted.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// DefaultBufferSize is used when Subscribe is given a non-positive buffer.
const DefaultBufferSize = 256

// Bus fans engine events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	buffer  int
	logger  *zap.Logger
}

// Subscription receives the events it filtered for on C.
type Subscription struct {
	id      uint64
	ch      chan types.Event
	filter  map[types.EventType]struct{}
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates a bus. bufferSize is the default per-subscriber buffer.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: bufferSize,
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a subscriber. With no event types it receives
// everything. buffer <= 0 selects the bus default.
func (b *Bus) Subscribe(buffer int, eventTypes ...types.EventType) *Subscription {
	if buffer <= 0 {
		buffer = b.buffer
	}
	sub := &Subscription{
		ch:  make(chan types.Event, buffer),
		bus: b,
	}
	if len(eventTypes) > 0 {
		sub.filter = make(map[types.EventType]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.accepts(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, event dropped",
				zap.String("event", string(ev.Type)),
				zap.Uint64("subscription", sub.id),
			)
		}
	}
}

// Dropped returns the number of events lost across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C returns the receive channel. It is closed on Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) accepts(t types.EventType) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[t]
	return ok
}
