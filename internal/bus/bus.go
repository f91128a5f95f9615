// Package bus implements the bounded, lossy multi-subscriber broadcast bus
// (spec.md §4.5) that fans out committed events to live SSE subscribers
// without ever blocking the commit pipeline's publisher.
package bus

import (
	"sync"

	"github.com/vng-commits/eventstore/internal/model"
)

// DefaultCapacity is the recommended per-subscriber ring size (spec.md §4.5).
const DefaultCapacity = 1024

// Message is what a subscriber receives: either a committed event in
// sequence order, or a Lag marker when its ring overflowed.
type Message struct {
	Event *model.Event
	Lag   bool
}

// Subscription is a single subscriber's bounded channel and unsubscribe
// handle.
type Subscription struct {
	C  <-chan Message
	id uint64
	b  *Bus
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

// Bus is the publisher-side registry of live subscribers. The zero value is
// not usable; construct with New.
type Bus struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64
	subs     map[uint64]chan Message
}

// New returns a Bus whose subscriber rings hold capacity messages before
// lossy overflow kicks in. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[uint64]chan Message)}
}

// Subscribe registers a new subscriber and returns its channel. Callers
// must range over Subscription.C until it is closed, and call Close when
// done to release the registry slot.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.capacity)
	b.subs[id] = ch

	return &Subscription{C: ch, id: id, b: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans ev out to every current subscriber in sequence order. It
// never blocks: a subscriber whose ring is full has its oldest buffered
// message dropped to make room, and receives a lag marker instead (spec.md
// §4.5 "Lag policy"). Publish must be called from the single commit-pipeline
// writer so cross-subscriber ordering is preserved.
func (b *Bus) Publish(ev *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		deliver(ch, Message{Event: ev})
	}
}

// deliver attempts a non-blocking send; on overflow it drops the oldest
// buffered message and substitutes a lag marker for msg, so the subscriber
// learns it fell behind rather than silently missing an update (spec.md
// §4.5 "Lag policy").
func deliver(ch chan Message, msg Message) {
	select {
	case ch <- msg:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- Message{Lag: true}:
	default:
	}
}

// Subscribers returns the current subscriber count, for diagnostics.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
