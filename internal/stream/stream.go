// ABOUTME: Per-conversation bridge between pushed deliveries and an engine's pull loop.
// ABOUTME: Coalesces queued pushes into single units and supports mid-turn injection.

// Package stream provides the MessageStream rendezvous used to feed a running
// engine one unit of input at a time while new content may arrive at any
// moment.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrClosed indicates a push on a stream that has already been closed.
var ErrClosed = errors.New("message stream closed")

// unitSeparator joins coalesced pushes into one delivered unit.
const unitSeparator = "\n\n"

type pullResult struct {
	content string
	ok      bool
}

// MessageStream turns asynchronous Push calls into a sequence of units pulled
// one at a time by a consumer. The first pull always yields the seed content,
// so the opening instruction is delivered even if nothing is ever pushed.
// At most one consumer may be waiting at a time.
type MessageStream struct {
	mu            sync.Mutex
	seed          string
	seedDelivered bool
	queue         []string
	waiter        chan pullResult
	closed        bool
}

// New creates a stream seeded with the opening instruction.
func New(seed string) *MessageStream {
	return &MessageStream{seed: seed}
}

// Push enqueues content for the consumer. If a consumer is waiting, it is
// resolved immediately with all queued content joined in arrival order;
// otherwise the content accumulates for the next pull. Content is never
// reordered or duplicated.
func (s *MessageStream) Push(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.queue = append(s.queue, content)
	if s.waiter != nil {
		s.waiter <- pullResult{content: s.drainLocked(), ok: true}
		s.waiter = nil
	}
	return nil
}

// Pull blocks until the next unit is available. The second return value is
// false once the stream is done: closed and fully drained.
func (s *MessageStream) Pull(ctx context.Context) (string, bool) {
	s.mu.Lock()

	if !s.seedDelivered {
		s.seedDelivered = true
		s.mu.Unlock()
		return s.seed, true
	}

	if len(s.queue) > 0 {
		unit := s.drainLocked()
		s.mu.Unlock()
		return unit, true
	}

	if s.closed {
		s.mu.Unlock()
		return "", false
	}

	ch := make(chan pullResult, 1)
	s.waiter = ch
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res.content, res.ok
	case <-ctx.Done():
		s.mu.Lock()
		if s.waiter == ch {
			s.waiter = nil
		}
		s.mu.Unlock()
		// A push may have raced the cancellation; deliver it rather than drop it.
		select {
		case res := <-ch:
			return res.content, res.ok
		default:
			return "", false
		}
	}
}

// Close ends the stream. A waiting consumer is resolved with done
// immediately; otherwise the next pull after the queue drains returns done.
func (s *MessageStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.waiter != nil {
		s.waiter <- pullResult{ok: false}
		s.waiter = nil
	}
}

// drainLocked joins and clears the queue. Must be called with mu held.
func (s *MessageStream) drainLocked() string {
	unit := strings.Join(s.queue, unitSeparator)
	s.queue = nil
	return unit
}
