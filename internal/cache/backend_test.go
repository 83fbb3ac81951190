package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseBackend runs the Backend contract against b. It expects b to be empty.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, b.Truncate(ctx))

	_, ok, err := b.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Store(ctx, Entry{Key: "live", Value: []byte(`{"n":1}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, b.Touch(ctx, "live", now))
	require.NoError(t, b.Touch(ctx, "live", now))

	e, ok, err := b.Load(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(e.Value))
	assert.True(t, e.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, int64(2), e.AccessCount)

	require.NoError(t, b.Incr(ctx, counterHits, now))
	require.NoError(t, b.Incr(ctx, counterHits, now))
	require.NoError(t, b.Incr(ctx, counterMisses, now))

	stats, err := b.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(len(`{"n":1}`)), stats.TotalSizeBytes)
	assert.Equal(t, int64(2), stats.Counters[counterHits])
	assert.Equal(t, int64(1), stats.Counters[counterMisses])
	require.Len(t, stats.MostAccessed, 1)
	assert.Equal(t, "live", stats.MostAccessed[0].Key)

	removed, err := b.DeleteIfExpired(ctx, "live", now)
	require.NoError(t, err)
	assert.False(t, removed, "live entry kept")
	removed, err = b.DeleteIfExpired(ctx, "live", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, removed, "entry purged at its expiry")
	require.NoError(t, b.Store(ctx, Entry{Key: "live", Value: []byte(`{"n":1}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	removed, err = b.Delete(ctx, "live")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = b.Delete(ctx, "live")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, b.Truncate(ctx))
	stats, err = b.Stats(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Zero(t, stats.Counters[counterHits])
}

func TestSQLiteBackend(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseBackend(t, store)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Store(ctx, Entry{Key: "old", Value: []byte("1"), CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.Store(ctx, Entry{Key: "new", Value: []byte("1"), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("CACHE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CACHE_TEST_POSTGRES_DSN not set")
	}
	store, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer store.Close()
	exerciseBackend(t, store)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("CACHE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CACHE_TEST_REDIS_ADDR not set")
	}
	store, err := OpenRedis(context.Background(), RedisOptions{Addr: addr, Namespace: "place2polygon-test:"})
	require.NoError(t, err)
	defer store.Close()
	exerciseBackend(t, store)
}
