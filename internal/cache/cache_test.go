package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/place2polygon/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteCache(t *testing.T, clock clockwork.Clock) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "polygon_cache.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	c := New(store, Options{Clock: clock}, discardLogger(), observability.NewMetricsForTesting())
	t.Cleanup(func() { c.Close() })
	return c, path
}

type boundary struct {
	Name  string  `json:"name"`
	Level int     `json:"level"`
	Lat   float64 `json:"lat"`
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	ctx := context.Background()

	want := boundary{Name: "Seattle", Level: 8, Lat: 47.6}
	require.True(t, c.Set(ctx, "k", want, 0))

	var got boundary
	require.True(t, c.GetInto(ctx, "k", &got))
	assert.Equal(t, want, got)
}

func TestCache_Missing(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newSQLiteCache(t, clock)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "v", time.Hour))

	clock.Advance(59 * time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok, "entry visible before expires_at")

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry absent at expires_at")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries, "expired entry purged on read")
}

func TestCache_DefaultTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newSQLiteCache(t, clock)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "v", 0))
	clock.Advance(DefaultTTL - time.Second)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_OverwriteResetsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newSQLiteCache(t, clock)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", "old", time.Hour))
	clock.Advance(50 * time.Minute)
	require.True(t, c.Set(ctx, "k", "new", time.Hour))
	clock.Advance(50 * time.Minute)

	var got string
	require.True(t, c.GetInto(ctx, "k", &got))
	assert.Equal(t, "new", got)
}

func TestCache_SetUnserializable(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	assert.False(t, c.Set(context.Background(), "k", func() {}, 0))
	assert.False(t, c.Set(context.Background(), "k", make(chan int), 0))
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	ctx := context.Background()

	require.True(t, c.Set(ctx, "k", 1, 0))
	assert.True(t, c.Invalidate(ctx, "k"))
	assert.False(t, c.Invalidate(ctx, "k"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_ClearExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, _ := newSQLiteCache(t, clock)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "short-1", 1, time.Hour))
	require.True(t, c.Set(ctx, "short-2", 2, time.Hour))
	require.True(t, c.Set(ctx, "long", 3, 48*time.Hour))
	clock.Advance(2 * time.Hour)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.ExpiredEntries)

	n, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(0), stats.ExpiredEntries)
}

func TestCache_StatsAndClearAll(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	ctx := context.Background()

	require.True(t, c.Set(ctx, "a", "xyz", 0))
	require.True(t, c.Set(ctx, "b", "xy", 0))
	c.Get(ctx, "a")
	c.Get(ctx, "a")
	c.Get(ctx, "b")
	c.Get(ctx, "missing")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(len(`"xyz"`)+len(`"xy"`)), stats.TotalSizeBytes)
	assert.Equal(t, int64(3), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
	require.Len(t, stats.MostAccessed, 2)
	assert.Equal(t, KeyCount{Key: "a", AccessCount: 2}, stats.MostAccessed[0])

	require.NoError(t, c.ClearAll(ctx))
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{MostAccessed: []KeyCount{}}, stats)
}

func TestCache_HitRateWithoutLookups(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.HitRate)
}

func TestCache_SurvivesReopen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c, path := newSQLiteCache(t, clock)
	ctx := context.Background()
	require.True(t, c.Set(ctx, "k", boundary{Name: "Austin"}, 0))
	require.NoError(t, c.Close())

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	reopened := New(store, Options{Clock: clock}, discardLogger(), nil)
	defer reopened.Close()

	var got boundary
	require.True(t, reopened.GetInto(ctx, "k", &got))
	assert.Equal(t, "Austin", got.Name)
}

func TestCache_ConcurrentCountersAreAtomic(t *testing.T) {
	c, _ := newSQLiteCache(t, clockwork.NewFakeClock())
	ctx := context.Background()
	require.True(t, c.Set(ctx, "k", 1, 0))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				c.Get(ctx, "k")
				c.Get(ctx, "nope")
			}
		}()
	}
	wg.Wait()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.HitCount)
	assert.Equal(t, int64(200), stats.MissCount)
	assert.Equal(t, int64(200), stats.MostAccessed[0].AccessCount)
}

func TestCache_Metrics(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	c := New(store, Options{}, discardLogger(), metrics)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", 1, 0)
	c.Get(ctx, "k")
	c.Get(ctx, "x")

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")), 0)
}

// failingBackend simulates a broken disk.
type failingBackend struct {
	deleteExpiredCalls atomic.Int32
}

var errDisk = errors.New("disk I/O error")

func (f *failingBackend) Load(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errDisk
}
func (f *failingBackend) Store(context.Context, Entry) error { return errDisk }
func (f *failingBackend) Touch(context.Context, string, time.Time) error { return errDisk }
func (f *failingBackend) Delete(context.Context, string) (bool, error) { return false, errDisk }
func (f *failingBackend) DeleteIfExpired(context.Context, string, time.Time) (bool, error) {
	return false, errDisk
}
func (f *failingBackend) Truncate(context.Context) error { return errDisk }
func (f *failingBackend) Incr(context.Context, string, time.Time) error { return errDisk }
func (f *failingBackend) Close() error { return nil }
func (f *failingBackend) Stats(context.Context, time.Time) (BackendStats, error) {
	return BackendStats{}, errDisk
}
func (f *failingBackend) DeleteExpired(context.Context, time.Time) (int64, error) {
	f.deleteExpiredCalls.Add(1)
	return 0, errDisk
}

func TestCache_PersistenceFailureDegrades(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	c := New(&failingBackend{}, Options{}, discardLogger(), metrics)
	ctx := context.Background()

	assert.False(t, c.Set(ctx, "k", 1, 0))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, c.Invalidate(ctx, "k"))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("error")), 0)

	_, err := c.ClearExpired(ctx)
	require.ErrorIs(t, err, errDisk)
	require.ErrorIs(t, c.ClearAll(ctx), errDisk)
	_, err = c.Stats(ctx)
	require.ErrorIs(t, err, errDisk)
}

// rewritingBackend stores a fresh value under the same key right after Load
// hands back an expired entry, as a concurrent writer would.
type rewritingBackend struct {
	Backend
	writer *Cache
	once   sync.Once
}

func (r *rewritingBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := r.Backend.Load(ctx, key)
	r.once.Do(func() {
		r.writer.Set(ctx, key, "fresh", time.Hour)
	})
	return e, ok, err
}

func TestCache_ExpiredPurgeKeepsConcurrentRewrite(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	writer := New(store, Options{Clock: clock}, discardLogger(), observability.NewMetricsForTesting())
	t.Cleanup(func() { writer.Close() })
	ctx := context.Background()

	require.True(t, writer.Set(ctx, "k", "stale", time.Minute))
	clock.Advance(2 * time.Minute)

	reader := New(&rewritingBackend{Backend: store, writer: writer}, Options{Clock: clock}, discardLogger(), observability.NewMetricsForTesting())
	_, ok := reader.Get(ctx, "k")
	assert.False(t, ok, "expired entry reported absent")

	var got string
	require.True(t, writer.GetInto(ctx, "k", &got), "rewritten entry survives the purge")
	assert.Equal(t, "fresh", got)
}
