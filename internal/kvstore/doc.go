// Package kvstore provides the durable key-value stores shared by execution
// contexts.
//
// A Store is string-keyed and string-valued, origin-scoped and durable across
// restarts. Backends report failures by wrapping record.ErrStoreUnavailable or
// record.ErrCapacityExceeded, so callers classify errors without knowing the
// backend.
//
// Backends that can observe mutations made by other contexts also implement
// Watcher, the native cross-context change signal:
//
//   - Origin contexts: in-memory, signal delivered synchronously to the other
//     contexts of the same origin
//   - SQLite: PRAGMA data_version polling plus a changes log table
//   - Dir: one file per key, signal from fsnotify
package kvstore
