package crm

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/roach88/crmsync/internal/engine"
)

// Container keeps one record set in memory and in sync with other contexts.
//
// Local changes are written through the engine; when a write fails the
// items stay changed locally and the container reports Unsynced until a
// later write succeeds.
//
// Thread-safety: all methods are safe for concurrent use.
type Container[T any] struct {
	eng *engine.Engine
	key string
	log *slog.Logger

	mu       sync.Mutex
	items    []T
	unsynced bool
	onChange func([]T)

	unsubscribe func()
}

// ContainerOption configures a Container.
type ContainerOption[T any] func(*Container[T])

// OnChange calls fn with the new items whenever another context replaces
// the record set.
func OnChange[T any](fn func([]T)) ContainerOption[T] {
	return func(c *Container[T]) {
		c.onChange = fn
	}
}

// WithContainerLogger sets the logger.
func WithContainerLogger[T any](l *slog.Logger) ContainerOption[T] {
	return func(c *Container[T]) {
		c.log = l
	}
}

// Open subscribes to the record set stored under key and loads it.
// Subscribing first means a write landing between the two is either read by
// the load or delivered afterwards.
func Open[T any](eng *engine.Engine, key string, opts ...ContainerOption[T]) *Container[T] {
	c := &Container[T]{
		eng: eng,
		key: key,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = eng.Subscribe([]string{key}, c.receive)
	c.Reload()
	return c
}

// Key returns the record set key.
func (c *Container[T]) Key() string {
	return c.key
}

// Items returns a copy of the current items.
func (c *Container[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Unsynced reports whether local changes have not reached the store.
func (c *Container[T]) Unsynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsynced
}

// Replace sets the items and writes them. It reports whether the write
// succeeded.
func (c *Container[T]) Replace(items []T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]T(nil), items...)
	return c.saveLocked()
}

// Update applies fn to a copy of the items and writes the result.
func (c *Container[T]) Update(fn func([]T) []T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = fn(append([]T(nil), c.items...))
	return c.saveLocked()
}

// Flush retries the write of unsynced items. It reports whether the
// container is in sync afterwards.
func (c *Container[T]) Flush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unsynced {
		return true
	}
	return c.saveLocked()
}

// Reload replaces the items with what the store currently holds. A missing
// record set leaves the items empty.
func (c *Container[T]) Reload() {
	items, ok := engine.Load[[]T](c.eng, c.key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		if c.items == nil {
			c.items = []T{}
		}
		return
	}
	c.items = items
}

// Close unsubscribes from the record set.
func (c *Container[T]) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Container[T]) saveLocked() bool {
	items := c.items
	if items == nil {
		items = []T{}
	}
	ok := c.eng.SaveRecord(c.key, items)
	c.unsynced = !ok
	if !ok {
		c.log.Warn("record set not synchronized", "key", c.key, "items", len(items))
	}
	return ok
}

func (c *Container[T]) receive(_ string, payload json.RawMessage) {
	items, err := engine.Decode[[]T](payload)
	if err != nil {
		c.log.Warn("ignoring undecodable record set", "key", c.key, "error", err)
		return
	}

	c.mu.Lock()
	c.items = items
	c.unsynced = false
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(append([]T(nil), items...))
	}
}
