// Package sink implements the bounded-history fan-out byte stream (C2) used
// for console and install output: a ring buffer of recent chunks plus a
// broadcast channel so late subscribers still get the recent tail.
package sink

import "sync"

// DefaultBufferSize is the number of chunks retained in history.
const DefaultBufferSize = 500

const subscriberCapacity = 256

type subscriber struct {
	ch chan []byte
}

// Sink is a ring buffer plus broadcast fan-out. The zero value is not
// usable; construct with New.
//
// Sink is a handle, not a value: Clone returns another handle pointing at
// the same ring buffer and subscriber set, matching the Rust SinkPool's
// clone-shares-state contract.
type Sink struct {
	state *state
}

type state struct {
	mu          sync.Mutex
	buffer      [][]byte
	bufferSize  int
	subscribers map[*subscriber]struct{}
}

// New creates a Sink with the default history bound (500 entries).
func New() *Sink { return NewWithBufferSize(DefaultBufferSize) }

// NewWithBufferSize creates a Sink with a custom history bound.
func NewWithBufferSize(bufferSize int) *Sink {
	return &Sink{state: &state{
		bufferSize:  bufferSize,
		subscribers: make(map[*subscriber]struct{}),
	}}
}

// Clone returns a handle sharing the same ring buffer and subscriber set.
func (s *Sink) Clone() *Sink { return &Sink{state: s.state} }

// Subscription is returned by Subscribe; call Close to unregister.
type Subscription struct {
	st  *state
	sub *subscriber
}

// Subscribe registers a new subscriber. Messages pushed after Subscribe
// returns are delivered live; history up to that point is available via
// GetHistory but is not replayed onto the live channel.
func (s *Sink) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan []byte, subscriberCapacity)}
	s.state.mu.Lock()
	s.state.subscribers[sub] = struct{}{}
	s.state.mu.Unlock()
	return &Subscription{st: s.state, sub: sub}
}

// C returns the channel to receive pushed chunks on.
func (sub *Subscription) C() <-chan []byte { return sub.sub.ch }

// Close unregisters the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.st.mu.Lock()
	defer sub.st.mu.Unlock()
	if _, ok := sub.st.subscribers[sub.sub]; ok {
		delete(sub.st.subscribers, sub.sub)
		close(sub.sub.ch)
	}
}

// Push appends data to the ring buffer (evicting the oldest entry past the
// bound) and then broadcasts it to current subscribers, non-blocking: a
// subscriber whose channel is full simply misses this chunk.
func (s *Sink) Push(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.state.mu.Lock()
	s.state.buffer = append(s.state.buffer, cp)
	if len(s.state.buffer) > s.state.bufferSize {
		s.state.buffer = s.state.buffer[len(s.state.buffer)-s.state.bufferSize:]
	}
	subs := make([]*subscriber, 0, len(s.state.subscribers))
	for sub := range s.state.subscribers {
		subs = append(subs, sub)
	}
	s.state.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- cp:
		default:
		}
	}
}

// PushString is a convenience wrapper around Push.
func (s *Sink) PushString(data string) { s.Push([]byte(data)) }

// GetHistory returns a copy of the ring buffer, oldest to newest.
func (s *Sink) GetHistory() [][]byte {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	out := make([][]byte, len(s.state.buffer))
	for i, b := range s.state.buffer {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[i] = cp
	}
	return out
}

// GetHistoryStrings returns the ring buffer contents decoded as strings.
func (s *Sink) GetHistoryStrings() []string {
	history := s.GetHistory()
	out := make([]string, len(history))
	for i, b := range history {
		out[i] = string(b)
	}
	return out
}

// ClearBuffer empties the ring buffer (used on server stop/restart).
func (s *Sink) ClearBuffer() {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.buffer = nil
}

// SubscriberCount returns the number of active subscribers.
func (s *Sink) SubscriberCount() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.subscribers)
}

// BufferLen returns the current number of entries in the ring buffer.
func (s *Sink) BufferLen() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.buffer)
}
