// Package adapter wraps the shared durable store with versioned envelopes,
// backup rings and failure degradation.
//
// Nothing in this package returns an error or panics to its caller. Reads
// degrade primary → newest valid backup → absent; writes degrade to evicting
// the oldest backup and retrying once, then report false. Every failure is
// logged.
package adapter

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/crmsync/internal/backup"
	"github.com/roach88/crmsync/internal/identity"
	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

// capacityEvictions is how many backup snapshots a capacity failure evicts
// before the single retry.
const capacityEvictions = 1

// Clock supplies wall-clock milliseconds for logical timestamps.
type Clock interface {
	NowMillis() int64
}

// SystemClock reads the host clock.
type SystemClock struct{}

// NowMillis implements Clock.
func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Adapter reads and writes envelopes for one execution context.
//
// Thread-safety: Write, Remove and Restore are serialized, so concurrent
// writers in one context never reuse a version. Reads take no lock.
type Adapter struct {
	mu sync.Mutex

	store    kvstore.Store
	backups  *backup.Manager
	writerID string
	shapes   record.ShapeChecker
	clock    Clock
	log      *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(a *Adapter) {
		a.clock = c
	}
}

// WithShapes validates payloads against per-key shapes on read and write.
func WithShapes(s record.ShapeChecker) Option {
	return func(a *Adapter) {
		a.shapes = s
	}
}

// WithBackups replaces the default backup manager, e.g. to change capacity.
func WithBackups(m *backup.Manager) Option {
	return func(a *Adapter) {
		a.backups = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.log = l
	}
}

// New creates an Adapter writing as id into store.
func New(store kvstore.Store, id identity.Provider, opts ...Option) *Adapter {
	a := &Adapter{
		store:    store,
		writerID: id.ID(),
		clock:    SystemClock{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.backups == nil {
		a.backups = backup.New(store, backup.WithLogger(a.log))
	}
	return a
}

// WriterID returns the identity stamped on every write.
func (a *Adapter) WriterID() string {
	return a.writerID
}

// Store returns the underlying durable store.
func (a *Adapter) Store() kvstore.Store {
	return a.store
}

// Backups returns the backup manager.
func (a *Adapter) Backups() *backup.Manager {
	return a.backups
}

// WriteResult describes a successful write.
type WriteResult struct {
	// Envelope is what was stored.
	Envelope record.Envelope

	// Previous is the metadata the write superseded; zero if the key was
	// absent.
	Previous record.Meta
}

// Write stores payload under key as a new envelope.
//
// The new version is the stored version plus one, and the logical timestamp
// is the current time clamped so it never goes below the stored one. On
// capacity failure the oldest backup of key is evicted and the write retried
// once. ok is false when the write did not happen.
func (a *Adapter) Write(key string, payload json.RawMessage) (WriteResult, bool) {
	key = record.NormalizeKey(key)
	if record.IsReserved(key) {
		a.log.Warn("write rejected: reserved key", "key", key)
		return WriteResult{}, false
	}
	if a.shapes != nil {
		if err := a.shapes.Check(key, payload); err != nil {
			a.log.Warn("write rejected: payload does not match shape",
				"key", key,
				"error", err,
			)
			return WriteResult{}, false
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, _ := a.Peek(key)
	env := record.Envelope{
		Payload:          payload,
		LogicalTimestamp: max(a.clock.NowMillis(), prev.LogicalTimestamp),
		WriterID:         a.writerID,
		Version:          prev.Version + 1,
	}
	raw, err := record.Encode(env)
	if err != nil {
		a.log.Error("write failed: encode", "key", key, "error", err)
		return WriteResult{}, false
	}

	if err := a.persist(key, raw); err != nil {
		a.log.Error("write failed",
			"key", key,
			"version", env.Version,
			"code", record.Classify(err),
			"error", err,
		)
		return WriteResult{}, false
	}

	if err := a.backups.Push(key, env); err != nil {
		a.log.Warn("backup snapshot not saved",
			"key", key,
			"version", env.Version,
			"code", record.Classify(err),
			"error", err,
		)
	}

	a.log.Debug("record written",
		"key", key,
		"version", env.Version,
		"ts", env.LogicalTimestamp,
	)
	return WriteResult{Envelope: env, Previous: prev.Meta()}, true
}

// persist sets the primary slot, evicting backups and retrying once on a
// capacity failure.
func (a *Adapter) persist(key, raw string) error {
	err := a.store.Set(key, raw)
	if err == nil || !record.IsCapacityExceeded(err) {
		return err
	}

	evicted, evictErr := a.backups.EvictOldest(key, capacityEvictions)
	a.log.Warn("capacity exceeded, evicting backups and retrying",
		"key", key,
		"evicted", evicted,
		"evict_error", evictErr,
	)
	if err := a.store.Set(key, raw); err != nil {
		return &record.Error{Code: record.Classify(err), Key: key, Err: err}
	}
	return nil
}

// Read returns the payload of key from the primary slot, falling back to the
// newest valid backup. ok is false when neither holds a valid record.
func (a *Adapter) Read(key string) (json.RawMessage, bool) {
	env, ok := a.Peek(key)
	if !ok {
		return nil, false
	}
	return env.Payload, true
}

// Peek is Read returning the whole envelope.
func (a *Adapter) Peek(key string) (record.Envelope, bool) {
	key = record.NormalizeKey(key)

	raw, present, err := a.store.Get(key)
	if err != nil {
		a.log.Warn("primary slot unreadable, trying backups", "key", key, "error", err)
	} else {
		d := record.Decode(key, raw, present, a.shapes)
		switch d.Status {
		case record.StatusOK:
			return d.Envelope, true
		case record.StatusCorrupt:
			a.log.Warn("primary slot corrupt, trying backups", "key", key, "error", d.Err)
		}
	}
	return a.newestValidBackup(key)
}

func (a *Adapter) newestValidBackup(key string) (record.Envelope, bool) {
	ring, err := a.backups.List(key)
	if err != nil {
		a.log.Warn("backups unreadable", "key", key, "error", err)
		return record.Envelope{}, false
	}
	for i := len(ring) - 1; i >= 0; i-- {
		env := ring[i]
		if err := record.ValidateEnvelope(key, env, a.shapes); err != nil {
			a.log.Warn("skipping invalid backup", "key", key, "version", env.Version, "error", err)
			continue
		}
		a.log.Debug("record served from backup", "key", key, "version", env.Version)
		return env, true
	}
	return record.Envelope{}, false
}

// Remove deletes the primary slot of key and its backup ring.
// It reports whether the primary slot is gone.
func (a *Adapter) Remove(key string) bool {
	key = record.NormalizeKey(key)
	if record.IsReserved(key) {
		a.log.Warn("remove rejected: reserved key", "key", key)
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ok := true
	if err := a.store.Remove(key); err != nil {
		a.log.Error("remove failed", "key", key, "error", err)
		ok = false
	}
	if err := a.backups.Clear(key); err != nil {
		a.log.Warn("backup ring not cleared", "key", key, "error", err)
	}
	return ok
}

// Restore copies the newest valid backup of key back into the primary slot.
func (a *Adapter) Restore(key string) (record.Envelope, bool) {
	key = record.NormalizeKey(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	env, ok, err := a.backups.Restore(key, a.shapes)
	if err != nil {
		a.log.Error("restore failed", "key", key, "error", err)
		return record.Envelope{}, false
	}
	if !ok {
		a.log.Info("restore skipped: no backup", "key", key)
		return record.Envelope{}, false
	}
	a.log.Info("record restored from backup", "key", key, "version", env.Version)
	return env, true
}
