package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultHubBuffer is the per-subscriber backlog before deliveries drop.
const DefaultHubBuffer = 256

// Bus is a broadcast channel shared by every context of one origin.
type Bus interface {
	Publish(n Notification)
	Subscribe(fn func(Notification)) (cancel func())
}

// Hub is an in-process Bus.
//
// Every subscriber has its own goroutine and bounded backlog, so Publish
// never blocks on a slow subscriber. When a backlog is full the notification
// is dropped for that subscriber.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	log    *slog.Logger

	dropped atomic.Int64
}

type subscriber struct {
	ch   chan Notification
	done chan struct{}
	once sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubBuffer sets the per-subscriber backlog. Values below 1 are ignored.
func WithHubBuffer(n int) HubOption {
	return func(h *Hub) {
		if n >= 1 {
			h.buffer = n
		}
	}
}

// WithHubLogger sets the logger for dropped deliveries.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.log = l
	}
}

// NewHub creates a Hub with no subscribers.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[int]*subscriber),
		buffer: DefaultHubBuffer,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers n to every current subscriber.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		select {
		case s.ch <- n:
		default:
			h.dropped.Add(1)
			h.log.Debug("hub delivery dropped", "subscriber", id, "key", n.Key, "version", n.Version)
		}
	}
}

// Subscribe registers fn. Deliveries to one subscriber are sequential and in
// publish order. A delivery already dequeued when cancel is called may still
// run.
func (h *Hub) Subscribe(fn func(Notification)) func() {
	s := &subscriber{
		ch:   make(chan Notification, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case n := <-s.ch:
				select {
				case <-s.done:
					return
				default:
				}
				fn(n)
			}
		}
	}()

	return func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.done)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were dropped on full backlogs.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
