package notify

import (
	"log/slog"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

// Notifier announces local writes and filters inbound self-notifications.
type Notifier struct {
	writerID string
	store    kvstore.Store
	bus      Bus
	local    Bus
	log      *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithBus publishes on a cross-context broadcast bus. Without one, writes
// are announced through the marker key instead.
func WithBus(b Bus) NotifierOption {
	return func(n *Notifier) {
		n.bus = b
	}
}

// WithLocalHub publishes on a process-local event hub.
func WithLocalHub(b Bus) NotifierOption {
	return func(n *Notifier) {
		n.local = b
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		n.log = l
	}
}

// NewNotifier creates a Notifier for writerID over store.
func NewNotifier(writerID string, store kvstore.Store, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		writerID: writerID,
		store:    store,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// HasBus reports whether a broadcast bus is configured.
func (n *Notifier) HasBus() bool {
	return n.bus != nil
}

// Emit announces note after a successful write. The store's native signal
// already fired for the write itself.
func (n *Notifier) Emit(note Notification) {
	if n.local != nil {
		n.local.Publish(note)
	}
	if n.bus != nil {
		n.bus.Publish(note)
		return
	}
	n.touchMarker(note)
}

// touchMarker writes and immediately removes the marker key so that
// contexts listening only to the native signal see the change. Stores whose
// watchers read values lazily (kvstore.Dir) may report only the removal; the
// record write itself still reaches them.
func (n *Notifier) touchMarker(note Notification) {
	raw, err := encodeMarker(note)
	if err != nil {
		n.log.Warn("marker not written", "key", note.Key, "error", err)
		return
	}
	if err := n.store.Set(record.MarkerKey, raw); err != nil {
		n.log.Warn("marker not written", "key", note.Key, "error", err)
		return
	}
	if err := n.store.Remove(record.MarkerKey); err != nil {
		n.log.Warn("marker not removed", "key", note.Key, "error", err)
	}
}

// Accept reports whether an inbound notification came from another writer.
func (n *Notifier) Accept(note Notification) bool {
	return note.WriterID != n.writerID
}
