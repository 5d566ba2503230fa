// Package client is the live-session coordination layer for a single
// participant: channel lifecycle and reconnection, session membership,
// signaling relay, whiteboard replication, quality control and the
// chat/poll bus. Each component is an explicitly owned instance whose
// lifecycle is tied to one session, and every one of them can be driven
// by synthetic event sequences in tests.
package client

import "sync"

// stream is a typed publish/subscribe fan-out. Subscribers receive events
// on buffered channels; a subscriber that falls behind loses events rather
// than blocking the dispatch loop.
type stream[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newStream[T any]() *stream[T] {
	return &stream[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and a cancel func. Cancel closes the
// channel.
func (s *stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan T, 64)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish delivers v to every subscriber without blocking.
func (s *stream[T]) publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
