package engine

import (
	"encoding/json"
)

// Save stores v under key. It is SaveRecord with a typed payload.
func Save[T any](e *Engine, key string, v T) bool {
	return e.SaveRecord(key, v)
}

// Load reads key into a T. ok is false when the key is absent or its payload
// does not decode into T.
func Load[T any](e *Engine, key string) (T, bool) {
	var v T
	raw, ok := e.LoadRecord(key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		e.log.Warn("load: payload does not decode", "key", key, "error", err)
		return v, false
	}
	return v, true
}

// Decode unmarshals a delivered payload into a T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
