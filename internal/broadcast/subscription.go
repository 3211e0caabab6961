package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscription is one observer's view of the event stream: a catch-up
// snapshot taken at subscribe time followed by a live tail.
type Subscription struct {
	id      uuid.UUID
	events  chan Event
	dropped atomic.Uint64

	mu       sync.Mutex
	replay   []Event
	replayed bool
	closed   bool
}

func newSubscription(bufferSize int, replay []Event) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Subscription{
		id:     uuid.New(),
		events: make(chan Event, bufferSize),
		replay: replay,
	}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id.String()
}

// Replay returns the catch-up events captured at subscribe time: the running
// set, every buffered chat record in arrival order, then the account list.
//
// Postcondition: The first call returns the snapshot; later calls return nil.
func (s *Subscription) Replay() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replayed {
		return nil
	}
	s.replayed = true
	out := s.replay
	s.replay = nil
	return out
}

// Events returns the live event channel. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many live events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// push enqueues evt without blocking.
//
// Postcondition: Returns false if the subscription is closed or its buffer is full.
func (s *Subscription) push(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close marks the subscription closed and closes the events channel.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// IsClosed reports whether the subscription has been closed.
func (s *Subscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
