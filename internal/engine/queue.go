package engine

import (
	"sync"

	"github.com/roach88/crmsync/internal/notify"
)

// eventQueue is a thread-safe FIFO queue of inbound notifications.
//
// The queue is unbounded so change sources never block on the dispatch
// loop. Sources enqueue from their own goroutines while the engine's Run
// loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []notify.Notification
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]notify.Notification, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a notification to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(n notify.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, n)

	// Buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front notification without blocking.
func (q *eventQueue) TryDequeue() (notify.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return notify.Notification{}, false
	}

	n := q.events[0]
	q.events[0] = notify.Notification{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return n, true
}

// Wait returns a channel that signals when notifications may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more notifications will be enqueued.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
