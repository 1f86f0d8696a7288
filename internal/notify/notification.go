// Package notify carries change notifications between execution contexts.
//
// A successful write is announced on up to three channels: the durable
// store's native signal, an optional broadcast Bus, and a process-local
// event hub. Receivers subscribe through ChangeSource transports and must
// tolerate duplicates, loss and reordering; the reconciliation poller is the
// only delivery guarantee.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/crmsync/internal/record"
)

// Source names the transport a notification arrived on.
type Source string

const (
	SourceNative Source = "native"
	SourceBus    Source = "bus"
	SourceLocal  Source = "local"
	SourcePoll   Source = "poll"
)

// Notification announces that a key changed.
type Notification struct {
	Key              string `json:"key"`
	Version          int64  `json:"version"`
	LogicalTimestamp int64  `json:"logicalTimestamp"`
	WriterID         string `json:"writerId"`

	// Source is set by the receiving transport and never serialized.
	Source Source `json:"-"`
}

// FromEnvelope builds the notification for a stored envelope.
func FromEnvelope(key string, env record.Envelope, src Source) Notification {
	return Notification{
		Key:              key,
		Version:          env.Version,
		LogicalTimestamp: env.LogicalTimestamp,
		WriterID:         env.WriterID,
		Source:           src,
	}
}

// Meta returns the ordering metadata the notification claims.
func (n Notification) Meta() record.Meta {
	return record.Meta{
		Version:          n.Version,
		LogicalTimestamp: n.LogicalTimestamp,
		WriterID:         n.WriterID,
	}
}

func (n Notification) String() string {
	return fmt.Sprintf("%s@v%d by %s via %s", n.Key, n.Version, n.WriterID, n.Source)
}

func encodeMarker(n Notification) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("encode marker: %w", err)
	}
	return string(data), nil
}

func decodeMarker(raw string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Notification{}, fmt.Errorf("decode marker: %w", err)
	}
	if n.Key == "" || n.Version < 1 || n.WriterID == "" {
		return Notification{}, fmt.Errorf("decode marker: incomplete notification %q", raw)
	}
	return n, nil
}
