package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_SetAndAdvance(t *testing.T) {
	c := NewManualClock(100)
	assert.Equal(t, int64(100), c.NowMillis())

	c.Advance(2 * time.Second)
	assert.Equal(t, int64(2100), c.NowMillis())

	c.Set(50)
	assert.Equal(t, int64(50), c.NowMillis(), "clock may move backwards to simulate skew")
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(0)
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines), c.NowMillis())
}
