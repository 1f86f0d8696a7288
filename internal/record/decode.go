package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status tags the outcome of decoding one store slot.
type Status int

const (
	// StatusAbsent means the slot holds no value.
	StatusAbsent Status = iota
	// StatusOK means the slot holds a valid envelope.
	StatusOK
	// StatusCorrupt means the slot holds a value that is not a valid envelope.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusOK:
		return "ok"
	case StatusCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ShapeChecker validates a payload against the shape expected for a key.
// Keys without a registered shape accept any JSON payload.
type ShapeChecker interface {
	Check(key string, payload json.RawMessage) error
}

// Decoded is the tagged result of Decode.
// Envelope is only meaningful when Status is StatusOK; Err only when
// Status is StatusCorrupt.
type Decoded struct {
	Status   Status
	Envelope Envelope
	Err      error
}

// OK reports whether the slot decoded to a valid envelope.
func (d Decoded) OK() bool {
	return d.Status == StatusOK
}

// Decode parses and validates the raw value of a store slot.
// It never panics and never returns an error directly: failures are reported
// as StatusCorrupt with Err wrapping ErrCorruptRecord.
//
// shapes may be nil, in which case payloads are not shape-checked.
func Decode(key, raw string, present bool, shapes ShapeChecker) Decoded {
	if !present {
		return Decoded{Status: StatusAbsent}
	}
	env, err := decodeEnvelope([]byte(raw))
	if err == nil && shapes != nil {
		if shapeErr := shapes.Check(key, env.Payload); shapeErr != nil {
			err = fmt.Errorf("payload shape: %w", shapeErr)
		}
	}
	if err != nil {
		return Decoded{
			Status: StatusCorrupt,
			Err:    &Error{Code: CodeCorruptRecord, Key: key, Err: err},
		}
	}
	return Decoded{Status: StatusOK, Envelope: env}
}

// ValidateEnvelope applies the structural checks of Decode to an envelope
// that is already in memory, such as an entry of a backup ring.
func ValidateEnvelope(key string, env Envelope, shapes ShapeChecker) error {
	if err := checkEnvelope(env); err != nil {
		return &Error{Code: CodeCorruptRecord, Key: key, Err: err}
	}
	if shapes != nil {
		if err := shapes.Check(key, env.Payload); err != nil {
			return &Error{Code: CodeCorruptRecord, Key: key, Err: fmt.Errorf("payload shape: %w", err)}
		}
	}
	return nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("parse envelope: trailing data")
	}
	if err := checkEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func checkEnvelope(env Envelope) error {
	switch {
	case len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")):
		return fmt.Errorf("missing payload")
	case env.Version < 1:
		return fmt.Errorf("invalid version %d", env.Version)
	case env.WriterID == "":
		return fmt.Errorf("missing writer id")
	case env.LogicalTimestamp < 0:
		return fmt.Errorf("negative logical timestamp %d", env.LogicalTimestamp)
	}
	return nil
}
