// Package cache is a persistent key/value store with per-entry TTL and
// hit/miss accounting, used to remember resolved boundaries across runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

// DefaultTTL is how long entries live when no TTL is given.
const DefaultTTL = 30 * 24 * time.Hour

// Counter names kept by backends.
const (
	counterHits   = "hit_count"
	counterMisses = "miss_count"
)

// Entry is one stored value.
type Entry struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int64
}

// KeyCount pairs a key with its access count.
type KeyCount struct {
	Key         string `json:"key"`
	AccessCount int64  `json:"access_count"`
}

// BackendStats is what a backend can report about itself.
type BackendStats struct {
	TotalEntries   int64
	TotalSizeBytes int64
	ExpiredEntries int64
	Counters       map[string]int64
	MostAccessed   []KeyCount
}

// Backend persists entries. Every mutating call must be durable when it returns.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, e Entry) error
	Touch(ctx context.Context, key string, now time.Time) error
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteIfExpired removes key only if its expiry is at or before now, so
	// an entry rewritten since it was read survives.
	DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Truncate(ctx context.Context) error
	Incr(ctx context.Context, counter string, now time.Time) error
	Stats(ctx context.Context, now time.Time) (BackendStats, error)
	Close() error
}

// Stats summarizes cache contents and effectiveness.
type Stats struct {
	TotalEntries   int64      `json:"total_entries"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	ExpiredEntries int64      `json:"expired_entries"`
	HitCount       int64      `json:"hit_count"`
	MissCount      int64      `json:"miss_count"`
	HitRate        float64    `json:"hit_rate"`
	MostAccessed   []KeyCount `json:"most_accessed"`
}

// Cache layers TTL semantics and counters over a Backend. Backend failures
// are logged and behave like a miss or a failed write; they never reach
// the caller of Get or Set.
type Cache struct {
	backend Backend
	ttl     time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Options configures a Cache. Zero values use DefaultTTL and the real clock.
type Options struct {
	TTL   time.Duration
	Clock clockwork.Clock
}

// New wraps backend in a Cache.
func New(backend Backend, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{
		backend: backend,
		ttl:     opts.TTL,
		clock:   opts.Clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Clock is the cache's time source.
func (c *Cache) Clock() clockwork.Clock {
	return c.clock
}

// Get returns the raw JSON stored under key. An entry whose expiry has
// passed is deleted and reported absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.clock.Now()
	e, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", key, "error", fmt.Errorf("%w: %w", domain.ErrPersistence, err))
		c.observe("error")
		c.count(ctx, counterMisses, now)
		return nil, false
	}
	if ok && !now.Before(e.ExpiresAt) {
		if _, err := c.backend.DeleteIfExpired(ctx, key, now); err != nil {
			c.logger.Warn("purge expired entry failed", "key", key, "error", err)
		}
		ok = false
	}
	if !ok {
		c.observe("miss")
		c.count(ctx, counterMisses, now)
		return nil, false
	}

	if err := c.backend.Touch(ctx, key, now); err != nil {
		c.logger.Warn("cache touch failed", "key", key, "error", err)
	}
	c.observe("hit")
	c.count(ctx, counterHits, now)
	return e.Value, true
}

// GetInto decodes the value stored under key into dst. A value that no
// longer decodes is treated as a miss.
func (c *Cache) GetInto(ctx context.Context, key string, dst any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cached value does not decode", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value under key for ttl (the cache default when ttl <= 0),
// replacing any existing entry. It returns false if value cannot be
// serialized or the write fails.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value not serializable", "key", key, "error", err)
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()
	err = c.backend.Store(ctx, Entry{
		Key:       key,
		Value:     data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", fmt.Errorf("%w: %w", domain.ErrPersistence, err))
		return false
	}
	return true
}

// Invalidate removes key and reports whether it was present.
func (c *Cache) Invalidate(ctx context.Context, key string) bool {
	removed, err := c.backend.Delete(ctx, key)
	if err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
		return false
	}
	return removed
}

// ClearExpired removes every entry whose expiry is at or before now.
func (c *Cache) ClearExpired(ctx context.Context) (int64, error) {
	n, err := c.backend.DeleteExpired(ctx, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("clear expired: %w", err)
	}
	return n, nil
}

// ClearAll removes every entry and resets the counters.
func (c *Cache) ClearAll(ctx context.Context) error {
	if err := c.backend.Truncate(ctx); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	return nil
}

// Stats reports entry counts, sizes and hit rate.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	bs, err := c.backend.Stats(ctx, c.clock.Now())
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	s := Stats{
		TotalEntries:   bs.TotalEntries,
		TotalSizeBytes: bs.TotalSizeBytes,
		ExpiredEntries: bs.ExpiredEntries,
		HitCount:       bs.Counters[counterHits],
		MissCount:      bs.Counters[counterMisses],
		MostAccessed:   bs.MostAccessed,
	}
	if s.MostAccessed == nil {
		s.MostAccessed = []KeyCount{}
	}
	if total := s.HitCount + s.MissCount; total > 0 {
		s.HitRate = float64(s.HitCount) / float64(total)
	}
	return s, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) count(ctx context.Context, counter string, now time.Time) {
	if err := c.backend.Incr(ctx, counter, now); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("cache counter update failed", "counter", counter, "error", err)
	}
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
