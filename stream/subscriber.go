package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscriber receives events from topics it is subscribed to.
// It uses credit-based flow control: the subscriber grants credits
// indicating how many events it can receive. The broker stops
// sending when credits reach zero. A filtered-out event does not
// consume a credit.
type Subscriber struct {
	id string
	ch chan *Event

	// credits tracks remaining flow-control credits.
	credits atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}
	filter func(*Event) bool

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given buffer size
// and initial credits.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the subscriber
// is removed or the broker shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Next blocks for the next event. It returns false when ctx is done or
// the subscriber is closed. Each received event grants one credit back,
// so a reader that keeps up never runs dry.
func (s *Subscriber) Next(ctx context.Context) (*Event, bool) {
	select {
	case evt, ok := <-s.ch:
		if !ok {
			return nil, false
		}
		s.credits.Add(1)
		return evt, true
	case <-ctx.Done():
		return nil, false
	}
}

// AddCredits replenishes flow-control credits.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

// SetFilter sets an optional event filter predicate.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.mu.Lock()
	s.filter = fn
	s.mu.Unlock()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send attempts to deliver an event to the subscriber.
// Returns false if the event was dropped (no credits, filter mismatch, or full buffer).
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()
	if filter != nil && !filter(evt) {
		return false
	}

	for {
		current := s.credits.Load()
		if current <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Buffer full, restore credit.
		s.credits.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
