package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("write clients: %w", &Error{Code: CodeCapacityExceeded, Key: "clients"})

	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.False(t, errors.Is(err, ErrCorruptRecord))
	assert.True(t, IsCapacityExceeded(err))
}

func TestError_Message(t *testing.T) {
	cause := errors.New("disk full")

	assert.Equal(t, "CAPACITY_EXCEEDED: disk full (key=clients)",
		(&Error{Code: CodeCapacityExceeded, Key: "clients", Err: cause}).Error())
	assert.Equal(t, "STALE_WRITE (key=tasks)", (&Error{Code: CodeStaleWrite, Key: "tasks"}).Error())
	assert.Equal(t, "CORRUPT_RECORD: bad", (&Error{Code: CodeCorruptRecord, Err: errors.New("bad")}).Error())
	assert.Equal(t, "STORE_UNAVAILABLE", (&Error{Code: CodeStoreUnavailable}).Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Code: CodeStoreUnavailable, Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CodeCapacityExceeded, Classify(fmt.Errorf("set: %w", ErrCapacityExceeded)))
	assert.Equal(t, CodeCorruptRecord, Classify(ErrCorruptRecord))
	assert.Equal(t, CodeStaleWrite, Classify(&Error{Code: CodeStaleWrite}))
	assert.Equal(t, CodeStoreUnavailable, Classify(errors.New("io error")))
}
