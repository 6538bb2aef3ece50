package events

import (
	"log"
	"sync"
	"sync/atomic"
)

// Publisher is satisfied by the in-memory Bus and the Redis-backed bus.
type Publisher interface {
	Publish(*Event)
}

// Subscription is one live consumer attached to the bus. Events arrive on C
// in publish order. When the consumer falls behind, the oldest queued events
// are dropped and the subscription is marked lagged; the consumer is
// expected to re-read the store from its cursor and clear the mark.
type Subscription struct {
	C      <-chan *Event
	ch     chan *Event
	id     int64
	types  map[Type]bool // nil matches everything
	lagged atomic.Bool
}

// Lagged reports whether deliveries were dropped since the last Reset.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Reset clears the lag mark after the consumer has caught up from the store.
func (s *Subscription) Reset() { s.lagged.Store(false) }

func (s *Subscription) wants(t Type) bool {
	return s.types == nil || s.types[t]
}

// Bus fans committed events out to in-process subscribers. Publish never
// blocks: a full subscriber queue sheds its oldest entry instead.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	buffer int
	logger *log.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus whose subscriber queues hold buffer events each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int64]*Subscription),
		buffer: buffer,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe attaches a consumer. Pass no types to receive every event.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch: make(chan *Event, b.buffer),
		id: b.nextID,
	}
	sub.C = sub.ch
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches the consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers ev to every matching subscriber. Slow consumers lose
// their oldest queued event and get marked lagged.
func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: shed the oldest, mark the lag, retry once.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		sub.lagged.Store(true)
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of attached consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns publish and drop counters for the status endpoint.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
