package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

func testCache(t *testing.T) (*cache.Cache, *clockwork.FakeClock) {
	t.Helper()
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "polygon_cache.db"))
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(store, cache.Options{TTL: time.Hour, Clock: clock}, logger, observability.NewMetricsForTesting())
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	c, clock := testCache(t)

	require.True(t, c.Set(ctx, "short", "a", time.Minute))
	require.True(t, c.Set(ctx, "long", "b", 0))
	clock.Advance(2 * time.Minute)

	var out bytes.Buffer
	require.NoError(t, run(ctx, "stats", c, &out))
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.ExpiredEntries)

	out.Reset()
	require.NoError(t, run(ctx, "clear-expired", c, &out))
	assert.Equal(t, "removed 1 expired entries\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, "clear-all", c, &out))
	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)

	require.ErrorContains(t, run(ctx, "vacuum", c, &out), "unknown command")
}
