package testutil

import (
	"errors"
	"sync"

	"github.com/roach88/crmsync/internal/kvstore"
)

// FaultyStore wraps a store and injects failures on demand.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FaultyStore struct {
	inner kvstore.Store

	mu       sync.Mutex
	setFails map[string][]error
	getFails map[string]error
	setCalls map[string]int
}

// NewFaultyStore wraps inner with no faults armed.
func NewFaultyStore(inner kvstore.Store) *FaultyStore {
	return &FaultyStore{
		inner:    inner,
		setFails: make(map[string][]error),
		getFails: make(map[string]error),
		setCalls: make(map[string]int),
	}
}

// FailSet makes the next len(errs) Set calls on key fail with errs, in order.
func (f *FaultyStore) FailSet(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setFails[key] = append(f.setFails[key], errs...)
}

// FailGet makes every Get on key fail with err until ClearFaults.
func (f *FaultyStore) FailGet(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFails[key] = err
}

// ClearFaults disarms all pending faults.
func (f *FaultyStore) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setFails = make(map[string][]error)
	f.getFails = make(map[string]error)
}

// SetCalls returns how many times Set was called for key, failed or not.
func (f *FaultyStore) SetCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls[key]
}

// Get implements kvstore.Store.
func (f *FaultyStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	err := f.getFails[key]
	f.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return f.inner.Get(key)
}

// Set implements kvstore.Store.
func (f *FaultyStore) Set(key, value string) error {
	f.mu.Lock()
	f.setCalls[key]++
	var err error
	if pending := f.setFails[key]; len(pending) > 0 {
		err = pending[0]
		f.setFails[key] = pending[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Set(key, value)
}

// Remove implements kvstore.Store.
func (f *FaultyStore) Remove(key string) error {
	return f.inner.Remove(key)
}

// Watch implements kvstore.Watcher when the wrapped store does.
func (f *FaultyStore) Watch(fn func(kvstore.Change)) (func(), error) {
	w, ok := f.inner.(kvstore.Watcher)
	if !ok {
		return nil, errors.New("faulty store: wrapped store has no native signal")
	}
	return w.Watch(fn)
}
