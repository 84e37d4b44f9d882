package engine

import (
	"sync"
)

// triggerQueue collects requests for an immediate sync.
//
// Requests are coalesced: any number of triggers between two syncs cause
// exactly one extra sync. The reasons are kept for logging only.
//
// The queue uses a buffered channel of size 1 for signaling so that the
// Run loop can wait on it together with the context and the ticker.
type triggerQueue struct {
	mu      sync.Mutex
	reasons []string
	closed  bool
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		reasons: make([]string, 0, 8),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue records a trigger. Safe from any goroutine.
// Returns false if the queue is closed.
func (q *triggerQueue) Enqueue(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.reasons = append(q.reasons, reason)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns all pending reasons.
func (q *triggerQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.reasons
	q.reasons = make([]string, 0, 8)
	return out
}

// Wait returns a channel that signals when triggers may be pending.
// The channel is closed when the queue is closed.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending reasons.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reasons)
}

// Close stops accepting triggers and wakes the waiter.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *triggerQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
