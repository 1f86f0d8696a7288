// Package identity issues the stable writer identity of an execution context.
package identity

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

// Provider returns the writer identity of the current execution context.
type Provider interface {
	ID() string
}

// Fixed is a Provider with a predetermined identity, for tests and replays.
type Fixed string

// ID implements Provider.
func (f Fixed) ID() string {
	return string(f)
}

// Generate returns a new time-sortable writer identity.
//
// Format: "device-<uuidv7>". The UUIDv7 prefix sorts by creation time, which
// keeps the writer-id tie-break stable for identities minted in order.
func Generate() string {
	return "device-" + uuid.Must(uuid.NewV7()).String()
}

// Persistent is an identity loaded from, or minted into, a context-private
// store so it survives restarts.
type Persistent struct {
	id        string
	ephemeral bool
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	generate func() string
	logger   *slog.Logger
}

// WithGenerator replaces Generate, for deterministic tests.
func WithGenerator(fn func() string) LoadOption {
	return func(c *loadConfig) {
		c.generate = fn
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(l *slog.Logger) LoadOption {
	return func(c *loadConfig) {
		c.logger = l
	}
}

// Load returns the identity stored under record.IdentityKey in store,
// generating and persisting one on first use.
//
// The store must be private to the execution context: contexts sharing one
// identity would filter out each other's writes.
//
// Load never fails. When the store can not be read or written, the identity is
// still usable for this run but will not survive a restart; Ephemeral
// reports that case.
func Load(store kvstore.Store, opts ...LoadOption) *Persistent {
	cfg := loadConfig{generate: Generate, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	id, ok, err := store.Get(record.IdentityKey)
	if err != nil {
		cfg.logger.Warn("identity store unreadable, using ephemeral identity", "error", err)
		return &Persistent{id: cfg.generate(), ephemeral: true}
	}
	if ok && id != "" {
		return &Persistent{id: id}
	}

	id = cfg.generate()
	if err := store.Set(record.IdentityKey, id); err != nil {
		cfg.logger.Warn("identity not persisted, using ephemeral identity", "id", id, "error", err)
		return &Persistent{id: id, ephemeral: true}
	}
	cfg.logger.Info("writer identity created", "id", id)
	return &Persistent{id: id}
}

// ID implements Provider.
func (p *Persistent) ID() string {
	return p.id
}

// Ephemeral reports whether the identity could not be persisted.
func (p *Persistent) Ephemeral() bool {
	return p.ephemeral
}
