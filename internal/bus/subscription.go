package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/renkei/internal/model"
)

// ErrClosed is returned by Next once the subscription has been torn down
// (disconnect, session expiry, or replacement by a newer subscription).
var ErrClosed = errors.New("bus: subscription closed")

// Subscription is one session's bounded delivery channel. Events from a
// single source arrive in non-decreasing sequence order; when the buffer
// overflows, the oldest unread event is dropped and counted, so the
// newest events always survive.
type Subscription struct {
	sessionID string
	filter    []string // normalized prefixes; empty means "all"
	capacity  int

	mu     sync.Mutex
	queue  []model.Event
	closed bool

	ready   chan struct{} // wake-up signal for a blocked reader
	done    chan struct{}
	dropped atomic.Int64
}

func newSubscription(sessionID string, filter []string, capacity int) *Subscription {
	return &Subscription{
		sessionID: sessionID,
		filter:    normalizeFilter(filter),
		capacity:  capacity,
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// normalizeFilter strips glob suffixes so "task.*" and "task." both mean
// the "task." prefix. "all" (or an empty set) matches everything.
func normalizeFilter(filter []string) []string {
	out := make([]string, 0, len(filter))
	for _, f := range filter {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if f == "all" || f == "*" {
			return nil
		}
		out = append(out, strings.TrimSuffix(f, "*"))
	}
	return out
}

// SessionID returns the owning session's id.
func (s *Subscription) SessionID() string { return s.sessionID }

// Dropped returns how many events were discarded because this
// subscriber's buffer was full. Surfaced out-of-band (SSE keepalive
// comments, health stats); it never interrupts delivery.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// matches reports whether an event type passes the subscription filter.
func (s *Subscription) matches(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, prefix := range s.filter {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// enqueue appends the event, evicting the oldest unread event when the
// buffer is full. Never blocks. Reports whether an event was dropped.
func (s *Subscription) enqueue(ev model.Event) (droppedOne bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		droppedOne = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return droppedOne
}

// Next blocks until an event is available, the subscription is closed, or
// ctx is cancelled. Buffered events are still drained after close, so a
// reader sees everything delivered before teardown.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return model.Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-s.done:
			// Loop: drain anything enqueued before the close landed.
		case <-s.ready:
		}
	}
}

// close marks the subscription closed and wakes any blocked reader.
// Idempotent.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
