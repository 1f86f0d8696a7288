// Package backup keeps a bounded FIFO ring of past envelopes per key.
//
// The ring is stored next to the primary slot under record.BackupKey(key) as
// a JSON array, oldest first. It is used only for recovery, never for
// conflict resolution.
package backup

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

// DefaultCapacity is the number of snapshots retained per key.
const DefaultCapacity = 5

// Manager reads and writes backup rings in a store.
//
// Rings are read-modify-written without cross-context locking; two contexts
// pushing at once may lose one snapshot, which only weakens recovery.
type Manager struct {
	store    kvstore.Store
	capacity int
	log      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the ring size. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.capacity = n
		}
	}
}

// WithLogger sets the logger for corrupt-ring reports.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// New creates a Manager over store.
func New(store kvstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		capacity: DefaultCapacity,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity returns the ring size.
func (m *Manager) Capacity() int {
	return m.capacity
}

// List returns the ring for key, oldest first. A corrupt ring is reported
// and treated as empty.
func (m *Manager) List(key string) ([]record.Envelope, error) {
	raw, ok, err := m.store.Get(record.BackupKey(key))
	if err != nil {
		return nil, fmt.Errorf("read backups of %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var ring []record.Envelope
	if err := json.Unmarshal([]byte(raw), &ring); err != nil {
		m.log.Warn("backup ring corrupt, ignoring", "key", key, "error", err)
		return nil, nil
	}
	return ring, nil
}

// Newest returns the most recent snapshot of key.
func (m *Manager) Newest(key string) (record.Envelope, bool, error) {
	ring, err := m.List(key)
	if err != nil || len(ring) == 0 {
		return record.Envelope{}, false, err
	}
	return ring[len(ring)-1], true, nil
}

// Push appends env to the ring of key and evicts the oldest entries beyond
// capacity.
func (m *Manager) Push(key string, env record.Envelope) error {
	ring, err := m.List(key)
	if err != nil {
		return err
	}
	ring = append(ring, env)
	if over := len(ring) - m.capacity; over > 0 {
		ring = ring[over:]
	}
	return m.save(key, ring)
}

// EvictOldest drops up to n of the oldest snapshots of key and returns how
// many were dropped.
func (m *Manager) EvictOldest(key string, n int) (int, error) {
	ring, err := m.List(key)
	if err != nil {
		return 0, err
	}
	if n > len(ring) {
		n = len(ring)
	}
	if n <= 0 {
		return 0, nil
	}
	if err := m.save(key, ring[n:]); err != nil {
		return 0, err
	}
	return n, nil
}

// Clear removes the ring of key.
func (m *Manager) Clear(key string) error {
	if err := m.store.Remove(record.BackupKey(key)); err != nil {
		return fmt.Errorf("clear backups of %q: %w", key, err)
	}
	return nil
}

// Restore copies the newest snapshot of key that passes
// record.ValidateEnvelope back into the primary slot and returns it. Invalid
// snapshots are skipped. ok is false when no snapshot is valid.
func (m *Manager) Restore(key string, shapes record.ShapeChecker) (record.Envelope, bool, error) {
	ring, err := m.List(key)
	if err != nil {
		return record.Envelope{}, false, err
	}
	for i := len(ring) - 1; i >= 0; i-- {
		env := ring[i]
		if err := record.ValidateEnvelope(key, env, shapes); err != nil {
			m.log.Warn("skipping invalid backup", "key", key, "version", env.Version, "error", err)
			continue
		}
		raw, err := record.Encode(env)
		if err != nil {
			return record.Envelope{}, false, fmt.Errorf("restore %q: %w", key, err)
		}
		if err := m.store.Set(key, raw); err != nil {
			return record.Envelope{}, false, fmt.Errorf("restore %q: %w", key, err)
		}
		return env, true, nil
	}
	return record.Envelope{}, false, nil
}

func (m *Manager) save(key string, ring []record.Envelope) error {
	if len(ring) == 0 {
		return m.Clear(key)
	}
	data, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("encode backups of %q: %w", key, err)
	}
	if err := m.store.Set(record.BackupKey(key), string(data)); err != nil {
		return fmt.Errorf("write backups of %q: %w", key, err)
	}
	return nil
}
