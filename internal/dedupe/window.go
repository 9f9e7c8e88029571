// ABOUTME: Thread-safe TTL window over recently delivered message keys.
// ABOUTME: Size-limited with O(1) oldest-first eviction via a linked list.

package dedupe

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	at      time.Time
	element *list.Element
}

// Window tracks recently seen delivery keys. A key observed twice inside
// the TTL is a redelivery and gets rejected; the window is size-capped,
// evicting oldest-first.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a Window. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Key derives the dedupe key for one delivery from the backend's unique
// message id. Content never participates: a user repeating the same text is
// two distinct deliveries, and only an id match marks a redelivery.
func Key(agentID, messageID string) string {
	return fmt.Sprintf("msg:%s:%s", agentID, messageID)
}

// Observe atomically records a key, reporting whether it was already inside
// the window. True means duplicate: the caller should drop the delivery.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[key]; ok && time.Since(e.at) < w.ttl {
		e.at = time.Now()
		w.order.MoveToBack(e.element)
		return true
	}

	if e, ok := w.seen[key]; ok {
		// Expired entry for the same key: refresh in place.
		e.at = time.Now()
		w.order.MoveToBack(e.element)
		return false
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	w.seen[key] = &entry{at: time.Now(), element: w.order.PushBack(key)}
	return false
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for key, e := range w.seen {
		if now.Sub(e.at) > w.ttl {
			w.order.Remove(e.element)
			delete(w.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
