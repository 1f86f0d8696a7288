package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope wraps a payload with the metadata needed to order concurrent
// writes. It is the only on-disk format the engine produces.
type Envelope struct {
	Payload          json.RawMessage `json:"payload"`
	LogicalTimestamp int64           `json:"logicalTimestamp"`
	WriterID         string          `json:"writerId"`
	Version          int64           `json:"version"`
}

// Meta is the ordering metadata of an envelope without its payload.
// The zero Meta represents an absent record.
type Meta struct {
	Version          int64  `json:"version"`
	LogicalTimestamp int64  `json:"logicalTimestamp"`
	WriterID         string `json:"writerId"`
}

// Meta returns the ordering metadata of the envelope.
func (e Envelope) Meta() Meta {
	return Meta{
		Version:          e.Version,
		LogicalTimestamp: e.LogicalTimestamp,
		WriterID:         e.WriterID,
	}
}

// IsZero reports whether m describes an absent record.
func (m Meta) IsZero() bool {
	return m == Meta{}
}

// Encode serializes an envelope for the store.
// HTML escaping is disabled so payload strings round-trip byte for byte.
func Encode(env Envelope) (string, error) {
	if len(env.Payload) == 0 {
		return "", fmt.Errorf("encode envelope: empty payload")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// MarshalPayload converts a caller value into a raw JSON payload.
// Raw JSON and byte slices are validated and passed through unchanged.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, fmt.Errorf("marshal payload: nil payload")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("marshal payload: invalid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("marshal payload: invalid JSON")
		}
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
