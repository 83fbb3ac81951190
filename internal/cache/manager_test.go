package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/place2polygon/internal/observability"
)

func newManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "polygon_cache.db"))
	require.NoError(t, err)
	metrics := observability.NewMetricsForTesting()
	c := New(store, Options{Clock: clock}, discardLogger(), metrics)
	t.Cleanup(func() { c.Close() })
	return NewManager(c, "", discardLogger(), metrics)
}

func TestKey_Deterministic(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())

	a := map[string]any{}
	a["limit"] = 5
	a["polygon_geojson"] = 1
	a["nested"] = map[string]any{"z": 1, "a": 2}
	b := map[string]any{}
	b["nested"] = map[string]any{"a": 2, "z": 1}
	b["polygon_geojson"] = 1
	b["limit"] = 5

	k1 := m.Key([]any{"boundary", "Seattle"}, a)
	k2 := m.Key([]any{"boundary", "Seattle"}, b)
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, DefaultPrefix))
	assert.Len(t, k1, len(DefaultPrefix)+64)
}

func TestKey_Distinct(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	base := m.Key([]any{"boundary", "Seattle", "city"}, map[string]any{"limit": 5})

	variants := []string{
		m.Key([]any{"boundary", "Seattle", "county"}, map[string]any{"limit": 5}),
		m.Key([]any{"boundary", "Seattle", "city"}, map[string]any{"limit": 6}),
		m.Key([]any{"boundary", "Seattle", "city"}, map[string]any{"limit": "5"}),
		m.Key([]any{"boundary", "Seattle", "city"}, nil),
		m.Key([]any{"boundary", "city", "Seattle"}, map[string]any{"limit": 5}),
		m.Key(nil, map[string]any{"limit": 5}),
	}
	seen := map[string]bool{base: true}
	for _, k := range variants {
		assert.False(t, seen[k], "collision for %s", k)
		seen[k] = true
	}
}

func TestKey_NilEqualsEmpty(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	assert.Equal(t, m.Key(nil, nil), m.Key([]any{}, map[string]any{}))
}

func TestKey_UnencodableStillStable(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	ch := make(chan int)
	assert.Equal(t, m.Key([]any{ch}, nil), m.Key([]any{ch}, nil))
}

func TestManager_CacheResultRoundTrip(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	ctx := context.Background()
	key := m.Key([]any{"boundary", "Austin", "city"}, nil)

	require.True(t, m.CacheResult(ctx, key, boundary{Name: "Austin", Level: 8}, 0))

	var got boundary
	require.True(t, m.GetCachedResult(ctx, key, &got))
	assert.Equal(t, 8, got.Level)

	assert.True(t, m.Invalidate(ctx, key))
	assert.False(t, m.GetCachedResult(ctx, key, &got))
}

func TestCached(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	ctx := context.Background()

	var calls int
	lookup := func(context.Context) (boundary, bool, error) {
		calls++
		return boundary{Name: "Boise"}, true, nil
	}

	for range 3 {
		got, err := Cached(ctx, m, 0, []any{"Boise"}, nil, lookup)
		require.NoError(t, err)
		assert.Equal(t, "Boise", got.Name)
	}
	assert.Equal(t, 1, calls)
}

func TestCached_SkipsUnkeptAndErrors(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	ctx := context.Background()

	var calls int
	empty := func(context.Context) ([]string, bool, error) {
		calls++
		return nil, false, nil
	}
	for range 2 {
		_, err := Cached(ctx, m, 0, []any{"nowhere"}, nil, empty)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)

	boom := errors.New("boom")
	_, err := Cached(ctx, m, 0, []any{"err"}, nil, func(context.Context) (int, bool, error) {
		return 0, true, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, m.GetCachedResult(ctx, m.Key([]any{"err"}, nil), new(int)))
}

func TestSweeper_RemovesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newManager(t, clock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, m.CacheResult(ctx, "short", 1, 30*time.Minute))
	require.True(t, m.CacheResult(ctx, "long", 2, 48*time.Hour))

	m.StartSweeper(time.Hour)
	m.StartSweeper(time.Hour) // second start is ignored
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		stats, err := m.Cache().Stats(ctx)
		return err == nil && stats.TotalEntries == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(m.metrics.CacheSweepRemoved), 0)

	require.NoError(t, m.Stop(time.Second))
	require.NoError(t, m.Stop(time.Second), "stop is idempotent")
}

func TestSweeper_Disabled(t *testing.T) {
	m := newManager(t, clockwork.NewFakeClock())
	m.StartSweeper(0)
	assert.Nil(t, m.stop)
	assert.NoError(t, m.Stop(time.Second))
}

func TestSweeper_FailuresDoNotStopIt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &failingBackend{}
	c := New(backend, Options{Clock: clock}, discardLogger(), nil)
	m := NewManager(c, "", discardLogger(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.StartSweeper(time.Minute)
	for i := int32(1); i <= 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Minute)
		require.Eventually(t, func() bool {
			return backend.deleteExpiredCalls.Load() >= i
		}, 2*time.Second, 10*time.Millisecond)
	}
	require.NoError(t, m.Stop(time.Second))
}
