package kvstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/crmsync/internal/record"
)

// Origin is an in-memory store shared by several contexts, the way browser
// storage is shared by every tab of one origin.
//
// Thread-safety: all methods are safe for concurrent use.
type Origin struct {
	mu       sync.Mutex
	data     map[string]string
	quota    int
	signals  bool
	disabled bool
	watchers map[int]watcher
	nextID   int
}

type watcher struct {
	ctx *Context
	fn  func(Change)
}

// OriginOption configures an Origin.
type OriginOption func(*Origin)

// WithQuota limits the total size of keys plus values, in bytes.
// Writes that would exceed it fail with record.ErrCapacityExceeded.
// Zero means unlimited.
func WithQuota(bytes int) OriginOption {
	return func(o *Origin) {
		o.quota = bytes
	}
}

// WithNativeSignal enables or disables change delivery to watchers.
// Disabling it simulates a host where the native signal never fires.
func WithNativeSignal(enabled bool) OriginOption {
	return func(o *Origin) {
		o.signals = enabled
	}
}

// NewOrigin creates an empty origin with native signals enabled.
func NewOrigin(opts ...OriginOption) *Origin {
	o := &Origin{
		data:     make(map[string]string),
		signals:  true,
		watchers: make(map[int]watcher),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Context returns a new store view for one execution context.
// Mutations made through it are signalled to watchers of every other context.
func (o *Origin) Context(name string) *Context {
	return &Context{origin: o, name: name}
}

// SetDisabled makes every operation fail with record.ErrStoreUnavailable,
// like storage disabled by host policy.
func (o *Origin) SetDisabled(disabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disabled = disabled
}

// Keys returns all stored keys in sorted order.
func (o *Origin) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.data))
	for k := range o.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the bytes currently counted against the quota.
func (o *Origin) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sizeLocked()
}

func (o *Origin) sizeLocked() int {
	n := 0
	for k, v := range o.data {
		n += len(k) + len(v)
	}
	return n
}

// Context is one execution context's view of an Origin.
type Context struct {
	origin *Origin
	name   string
}

// Name returns the context name given to Origin.Context.
func (c *Context) Name() string {
	return c.name
}

// Get implements Store.
func (c *Context) Get(key string) (string, bool, error) {
	o := c.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disabled {
		return "", false, fmt.Errorf("memory get %q: %w", key, record.ErrStoreUnavailable)
	}
	v, ok := o.data[key]
	return v, ok, nil
}

// Set implements Store.
func (c *Context) Set(key, value string) error {
	o := c.origin
	o.mu.Lock()
	if o.disabled {
		o.mu.Unlock()
		return fmt.Errorf("memory set %q: %w", key, record.ErrStoreUnavailable)
	}
	if o.quota > 0 {
		size := o.sizeLocked() + len(key) + len(value)
		if old, ok := o.data[key]; ok {
			size -= len(key) + len(old)
		}
		if size > o.quota {
			o.mu.Unlock()
			return fmt.Errorf("memory set %q: %d bytes over quota %d: %w", key, size, o.quota, record.ErrCapacityExceeded)
		}
	}
	o.data[key] = value
	targets := o.targetsLocked(c)
	o.mu.Unlock()

	for _, fn := range targets {
		fn(Change{Key: key, Value: value})
	}
	return nil
}

// Remove implements Store.
func (c *Context) Remove(key string) error {
	o := c.origin
	o.mu.Lock()
	if o.disabled {
		o.mu.Unlock()
		return fmt.Errorf("memory remove %q: %w", key, record.ErrStoreUnavailable)
	}
	_, existed := o.data[key]
	delete(o.data, key)
	var targets []func(Change)
	if existed {
		targets = o.targetsLocked(c)
	}
	o.mu.Unlock()

	for _, fn := range targets {
		fn(Change{Key: key, Deleted: true})
	}
	return nil
}

// Watch implements Watcher. The callback only sees mutations made through
// other contexts of the same origin.
func (c *Context) Watch(fn func(Change)) (func(), error) {
	o := c.origin
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = watcher{ctx: c, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
		})
	}, nil
}

// targetsLocked returns the callbacks to notify for a mutation made by src.
// Watchers are ordered by registration for deterministic delivery.
func (o *Origin) targetsLocked(src *Context) []func(Change) {
	if !o.signals {
		return nil
	}
	ids := make([]int, 0, len(o.watchers))
	for id, w := range o.watchers {
		if w.ctx != src {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = o.watchers[id].fn
	}
	return fns
}
