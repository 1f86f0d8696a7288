package kvstore

// Store is the durable key-value store shared by all execution contexts of
// one origin.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)

	// Set stores value under key. It may fail with an error wrapping
	// record.ErrCapacityExceeded when the store is full.
	Set(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}

// Change describes one mutation observed through a Watcher.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Watcher is the native cross-context change signal.
//
// The callback receives mutations made by other contexts. Backends that can
// not distinguish their own writes may deliver them too; consumers must filter
// by writer identity. The callback must not block.
type Watcher interface {
	Watch(fn func(Change)) (stop func(), err error)
}
