package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestRegistryCreateGeneratesUniqueIDs(t *testing.T) {
	r := NewRegistry(testLogger())

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		tunnel, err := r.Create(3000, "")
		require.NoError(t, err)
		_, dup := seen[tunnel.ID]
		assert.False(t, dup)
		seen[tunnel.ID] = struct{}{}
	}
}

func TestRegistryCreatePreferredIDConflict(t *testing.T) {
	r := NewRegistry(testLogger())

	_, err := r.Create(3000, "my-tunnel")
	require.NoError(t, err)

	_, err = r.Create(3001, "my-tunnel")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry(testLogger())
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestRegistryDeleteRemovesRecord(t *testing.T) {
	r := NewRegistry(testLogger())
	tunnel, err := r.Create(3000, "")
	require.NoError(t, err)

	require.NoError(t, r.Delete(tunnel.ID))
	_, ok := r.Get(tunnel.ID)
	assert.False(t, ok)

	err = r.Delete(tunnel.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistrySweepIdleRemovesOnlyStaleUnattached(t *testing.T) {
	r := NewRegistry(testLogger())

	stale, err := r.Create(3000, "stale")
	require.NoError(t, err)
	fresh, err := r.Create(3001, "fresh")
	require.NoError(t, err)
	attached, err := r.Create(3002, "attached")
	require.NoError(t, err)
	attached.setConnected(true)

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-48 * time.Hour)
	stale.mu.Unlock()

	removed := r.SweepIdle(time.Now())
	assert.Equal(t, 1, removed)

	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = r.Get(attached.ID)
	assert.True(t, ok)
}

func TestRegistrySweepIdleHonorsCustomThreshold(t *testing.T) {
	r := NewRegistry(testLogger())
	r.SetIdleThreshold(time.Minute)

	tunnel, err := r.Create(3000, "")
	require.NoError(t, err)
	tunnel.mu.Lock()
	tunnel.lastActivity = time.Now().Add(-2 * time.Minute)
	tunnel.mu.Unlock()

	removed := r.SweepIdle(time.Now())
	assert.Equal(t, 1, removed)
	_, ok := r.Get(tunnel.ID)
	assert.False(t, ok)
}

func TestTunnelRequestCountMonotonic(t *testing.T) {
	tunnel := newTunnel("t1", 3000)
	for i := 0; i < 5; i++ {
		tunnel.incRequestCount()
	}
	assert.Equal(t, uint64(5), tunnel.Snapshot().RequestCount)
}
