package backup

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

func envelopeV(v int64) record.Envelope {
	return record.Envelope{
		Payload:          json.RawMessage(fmt.Sprintf(`{"n":%d}`, v)),
		LogicalTimestamp: 1000 + v,
		WriterID:         "device-a",
		Version:          v,
	}
}

func versions(ring []record.Envelope) []int64 {
	out := make([]int64, len(ring))
	for i, e := range ring {
		out[i] = e.Version
	}
	return out
}

func TestPush_BoundedFIFO(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"))

	for v := int64(1); v <= 8; v++ {
		require.NoError(t, m.Push("clients", envelopeV(v)))
	}

	ring, err := m.List("clients")
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5, 6, 7, 8}, versions(ring), "ring keeps the 5 most recent, oldest first")
}

func TestPush_CustomCapacity(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"), WithCapacity(2))
	assert.Equal(t, 2, m.Capacity())

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, m.Push("k", envelopeV(v)))
	}
	ring, err := m.List("k")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, versions(ring))
}

func TestWithCapacity_IgnoresNonPositive(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"), WithCapacity(0))
	assert.Equal(t, DefaultCapacity, m.Capacity())
}

func TestNewest(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"))

	_, ok, err := m.Newest("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Push("k", envelopeV(1)))
	require.NoError(t, m.Push("k", envelopeV(2)))

	env, ok, err := m.Newest("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), env.Version)
}

func TestEvictOldest(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"))
	for v := int64(1); v <= 4; v++ {
		require.NoError(t, m.Push("k", envelopeV(v)))
	}

	n, err := m.EvictOldest("k", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ring, err := m.List("k")
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, versions(ring))

	n, err = m.EvictOldest("k", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.EvictOldest("k", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvictOldest_RemovesEmptyRing(t *testing.T) {
	origin := kvstore.NewOrigin()
	m := New(origin.Context("a"))
	require.NoError(t, m.Push("k", envelopeV(1)))

	_, err := m.EvictOldest("k", 1)
	require.NoError(t, err)
	assert.NotContains(t, origin.Keys(), record.BackupKey("k"))
}

func TestClear(t *testing.T) {
	m := New(kvstore.NewOrigin().Context("a"))
	require.NoError(t, m.Push("k", envelopeV(1)))
	require.NoError(t, m.Clear("k"))

	ring, err := m.List("k")
	require.NoError(t, err)
	assert.Empty(t, ring)
}

func TestList_CorruptRingIsEmpty(t *testing.T) {
	store := kvstore.NewOrigin().Context("a")
	require.NoError(t, store.Set(record.BackupKey("k"), "{broken"))

	m := New(store)
	ring, err := m.List("k")
	require.NoError(t, err)
	assert.Empty(t, ring)

	// Pushing over a corrupt ring starts a fresh one.
	require.NoError(t, m.Push("k", envelopeV(7)))
	ring, err = m.List("k")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, versions(ring))
}

func TestRestore(t *testing.T) {
	store := kvstore.NewOrigin().Context("a")
	m := New(store)

	_, ok, err := m.Restore("k", nil)
	require.NoError(t, err)
	assert.False(t, ok, "empty ring restores nothing")

	require.NoError(t, m.Push("k", envelopeV(1)))
	require.NoError(t, m.Push("k", envelopeV(2)))

	env, ok, err := m.Restore("k", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), env.Version)

	raw, present, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, present)
	d := record.Decode("k", raw, present, nil)
	require.True(t, d.OK())
	assert.Equal(t, envelopeV(2).Meta(), d.Envelope.Meta())
}

func TestRestore_SkipsInvalidSnapshots(t *testing.T) {
	store := kvstore.NewOrigin().Context("a")
	m := New(store)
	shapes := record.NewShapes()
	require.NoError(t, shapes.Register("k", `{n: int}`))

	require.NoError(t, m.Push("k", envelopeV(1)))
	bad := envelopeV(2)
	bad.Payload = json.RawMessage(`{"n":"two"}`)
	require.NoError(t, m.Push("k", bad))
	unstamped := envelopeV(3)
	unstamped.WriterID = ""
	require.NoError(t, m.Push("k", unstamped))

	env, ok, err := m.Restore("k", shapes)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), env.Version, "newest valid snapshot wins")

	raw, present, err := store.Get("k")
	require.NoError(t, err)
	d := record.Decode("k", raw, present, shapes)
	require.True(t, d.OK())
	assert.Equal(t, int64(1), d.Envelope.Version)
}

func TestRestore_NoValidSnapshot(t *testing.T) {
	store := kvstore.NewOrigin().Context("a")
	m := New(store)
	bad := envelopeV(1)
	bad.WriterID = ""
	require.NoError(t, m.Push("k", bad))

	_, ok, err := m.Restore("k", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, present, err := store.Get("k")
	require.NoError(t, err)
	assert.False(t, present, "primary slot untouched")
}

func TestList_StoreUnavailable(t *testing.T) {
	origin := kvstore.NewOrigin()
	m := New(origin.Context("a"))
	origin.SetDisabled(true)

	_, err := m.List("k")
	assert.ErrorIs(t, err, record.ErrStoreUnavailable)
}
