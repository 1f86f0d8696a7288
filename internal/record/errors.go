package record

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy of the sync engine.
// Store backends wrap ErrStoreUnavailable and ErrCapacityExceeded so callers
// can classify failures with errors.Is.
var (
	// ErrStoreUnavailable means the durable store is unsupported, disabled or
	// failing in this host.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCapacityExceeded means a write was rejected for size.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrCorruptRecord means a stored value failed to parse or validate.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrStaleWrite means a write was issued against a version that another
	// writer had already superseded. It is detected and logged, not prevented.
	ErrStaleWrite = errors.New("stale write")
)

// Code categorizes record errors.
type Code string

const (
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeCorruptRecord    Code = "CORRUPT_RECORD"
	CodeStaleWrite       Code = "STALE_WRITE"
)

// Error is a classified failure on one key.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Key is the affected record key, if known.
	Key string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v (key=%s)", e.Code, e.Err, e.Key)
	case e.Key != "":
		return fmt.Sprintf("%s (key=%s)", e.Code, e.Key)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's code, so that
// errors.Is(err, ErrCorruptRecord) holds for any *Error with CodeCorruptRecord.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

func sentinelFor(c Code) error {
	switch c {
	case CodeStoreUnavailable:
		return ErrStoreUnavailable
	case CodeCapacityExceeded:
		return ErrCapacityExceeded
	case CodeCorruptRecord:
		return ErrCorruptRecord
	case CodeStaleWrite:
		return ErrStaleWrite
	}
	return nil
}

// Classify maps any error to its taxonomy code.
// Errors outside the taxonomy are reported as CodeStoreUnavailable, since the
// only other source of failures is the store itself.
func Classify(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrCorruptRecord):
		return CodeCorruptRecord
	case errors.Is(err, ErrStaleWrite):
		return CodeStaleWrite
	}
	return CodeStoreUnavailable
}

// IsCapacityExceeded returns true if err is a capacity failure.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// IsCorrupt returns true if err is a corrupt-record failure.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}
