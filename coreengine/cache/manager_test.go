package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Register(t *testing.T) {
	m := NewManager(nil)
	s := NewStore(nil, nil)

	require.NoError(t, m.Register("sessions", s))
	assert.Error(t, m.Register("sessions", NewStore(nil, nil)), "names are unique")
	assert.Error(t, m.Register("", s))
	assert.Error(t, m.Register("nil", nil))

	got, ok := m.Store("sessions")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Len())
}

func TestManager_EvictAppliesPerStorePolicy(t *testing.T) {
	short, shortClock := newTestStore(100, time.Minute)
	long, longClock := newTestStore(10, time.Hour)

	m := NewManager(nil)
	require.NoError(t, m.Register("short", short))
	require.NoError(t, m.Register("long", long))
	assert.Equal(t, []string{"long", "short"}, m.Names())

	require.NoError(t, short.Put("a", "1234"))
	require.NoError(t, long.Put("a", "123456"))
	require.NoError(t, long.Put("b", "123456"))

	shortClock.Advance(2 * time.Minute)
	longClock.Advance(2 * time.Minute)

	res, err := m.Evict("short")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	all := m.EvictAll()
	require.Len(t, all, 2)
	assert.Zero(t, all["short"].Expired)
	assert.Zero(t, all["long"].Expired)
	assert.Equal(t, 1, all["long"].LRUEvicted, "long store is over its own capacity")

	assert.Equal(t, int64(6), m.Size())
	stats := m.Stats()
	assert.Equal(t, 1, stats["long"].Entries)
	assert.Equal(t, 0, stats["short"].Entries)
}

func TestManager_EvictUnknown(t *testing.T) {
	m := NewManager(nil)

	_, err := m.Evict("missing")
	var unknown *UnknownCacheError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
	assert.Empty(t, m.EvictAll())
}
