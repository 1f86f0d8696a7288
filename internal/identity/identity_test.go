package identity

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/kvstore"
	"github.com/roach88/crmsync/internal/record"
)

func TestGenerate_Format(t *testing.T) {
	id := Generate()
	require.True(t, strings.HasPrefix(id, "device-"))

	u, err := uuid.Parse(strings.TrimPrefix(id, "device-"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		assert.False(t, seen[id], "identity %s generated twice", id)
		seen[id] = true
	}
}

func TestLoad_PersistsAcrossReloads(t *testing.T) {
	session := kvstore.NewOrigin().Context("tab-1")

	first := Load(session, WithGenerator(func() string { return "device-1" }))
	assert.Equal(t, "device-1", first.ID())
	assert.False(t, first.Ephemeral())

	stored, ok, err := session.Get(record.IdentityKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "device-1", stored)

	second := Load(session, WithGenerator(func() string { return "device-2" }))
	assert.Equal(t, "device-1", second.ID(), "reload must keep the stored identity")
}

func TestLoad_SeparateStoresGetSeparateIdentities(t *testing.T) {
	a := Load(kvstore.NewOrigin().Context("a"))
	b := Load(kvstore.NewOrigin().Context("b"))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestLoad_UnavailableStoreIsEphemeral(t *testing.T) {
	origin := kvstore.NewOrigin()
	origin.SetDisabled(true)

	p := Load(origin.Context("a"), WithGenerator(func() string { return "device-x" }))
	assert.Equal(t, "device-x", p.ID())
	assert.True(t, p.Ephemeral())
}

func TestLoad_QuotaFailureIsEphemeral(t *testing.T) {
	origin := kvstore.NewOrigin(kvstore.WithQuota(4))

	p := Load(origin.Context("a"), WithGenerator(func() string { return "device-too-long" }))
	assert.Equal(t, "device-too-long", p.ID())
	assert.True(t, p.Ephemeral())
}

func TestFixed(t *testing.T) {
	var p Provider = Fixed("writer-a")
	assert.Equal(t, "writer-a", p.ID())
}
