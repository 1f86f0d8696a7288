package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when a test moves it.
//
// It stands in for the engine's millisecond clock so logical timestamps are
// reproducible, e.g. "context A writes at t=100, context B at t=101".
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu sync.Mutex
	ms int64
}

// NewManualClock creates a clock reading ms.
func NewManualClock(ms int64) *ManualClock {
	return &ManualClock{ms: ms}
}

// NowMillis returns the current reading in milliseconds.
func (c *ManualClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

// Set moves the clock to ms. Moving backwards is allowed, to simulate skew
// between contexts.
func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += d.Milliseconds()
}
