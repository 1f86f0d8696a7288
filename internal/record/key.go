package record

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Reserved store keys.
const (
	// IdentityKey holds the writer identity in a context-private store.
	IdentityKey = "device_id"

	// MarkerKey is written and removed right away to fire the native change
	// signal when no broadcast bus is available.
	MarkerKey = "__crmsync_marker__"

	// BackupSuffix is appended to a key to name its backup ring.
	BackupSuffix = "_backup"
)

// NormalizeKey trims surrounding space and applies NFC normalization, so
// visually identical keys typed on different platforms address the same slot.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// BackupKey returns the key of the backup ring for key.
func BackupKey(key string) string {
	return key + BackupSuffix
}

// IsReserved reports whether key is used internally and must not be written
// through the record API.
func IsReserved(key string) bool {
	return key == "" || key == IdentityKey || key == MarkerKey || strings.HasSuffix(key, BackupSuffix)
}
