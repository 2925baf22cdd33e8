// Package events implements the per-workload event bus (C1): an in-process
// multi-subscriber broadcast of typed events where lagged subscribers drop
// messages instead of blocking the producer.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/stellarstack/daemon/pkg/types"
)

const defaultCapacity = 4096
const subscriberCapacity = 256

// Envelope wraps an event with the number of events the subscriber missed
// immediately before receiving it (tokio broadcast's "Lagged(n)" signal has
// no direct Go equivalent, since channels silently drop on a full send; the
// drop counter below surfaces the same information).
type Envelope struct {
	Event  types.Event
	Lagged uint64
}

type subscriber struct {
	ch      chan Envelope
	dropped uint64 // atomic
}

// Bus is a broadcast channel of typed events. The zero value is not usable;
// construct with New or NewWithCapacity.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	capacity    int
}

// New creates an event bus with the default capacity (4096 events), per
// spec.md 4.1.
func New() *Bus {
	return NewWithCapacity(defaultCapacity)
}

// NewWithCapacity creates an event bus with a custom per-subscriber buffer
// capacity.
func NewWithCapacity(capacity int) *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		capacity:    capacity,
	}
}

// Subscription is a handle returned by Subscribe; call Close to unregister.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Subscribe registers a new subscriber and returns a subscription. Events
// published after Subscribe returns are delivered to C (unless the
// subscriber falls behind, in which case entries are dropped and the next
// delivered envelope carries the drop count).
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan Envelope, b.capacity)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

// C returns the channel to receive envelopes on.
func (s *Subscription) C() <-chan Envelope { return s.sub.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subscribers[s.sub]; ok {
		delete(s.bus.subscribers, s.sub)
		close(s.sub.ch)
	}
}

// Publish broadcasts an event to all current subscribers without blocking.
// It returns the number of subscribers the event was considered for (not
// necessarily delivered to, if one of them was lagging). If there are no
// subscribers the event is discarded.
func (b *Bus) Publish(event types.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for sub := range b.subscribers {
		n++
		lagged := atomic.SwapUint64(&sub.dropped, 0)
		select {
		case sub.ch <- Envelope{Event: event, Lagged: lagged}:
		default:
			atomic.AddUint64(&sub.dropped, lagged+1)
		}
	}
	return n
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Clone returns an independent Bus handle sharing the same subscriber set —
// callers that hold a *Bus value can pass it around freely since it already
// behaves like a shared handle; Clone exists for API parity with the
// sink/event-bus "clone shares state" convention used throughout this
// daemon (see pkg/sink).
func (b *Bus) Clone() *Bus { return b }
