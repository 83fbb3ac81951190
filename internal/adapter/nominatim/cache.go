package nominatim

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/domain"
)

// CachedGeocoder wraps a Geocoder with the persistent cache so repeated
// queries (including retried orchestration strategies) never hit the API twice.
type CachedGeocoder struct {
	inner domain.Geocoder
	cache *cache.Manager
	ttl   time.Duration
}

var _ domain.Geocoder = (*CachedGeocoder)(nil)

// NewCachedGeocoder creates a cache decorator around a geocoder. ttl <= 0
// uses the cache default.
func NewCachedGeocoder(inner domain.Geocoder, m *cache.Manager, ttl time.Duration) *CachedGeocoder {
	return &CachedGeocoder{inner: inner, cache: m, ttl: ttl}
}

func (c *CachedGeocoder) Search(ctx context.Context, p domain.SearchParams) ([]domain.Candidate, error) {
	return c.cached(ctx, []any{"nominatim.search", p}, func(ctx context.Context) ([]domain.Candidate, error) {
		return c.inner.Search(ctx, p)
	})
}

func (c *CachedGeocoder) Lookup(ctx context.Context, osmIDs []string) ([]domain.Candidate, error) {
	return c.cached(ctx, []any{"nominatim.lookup", osmIDs}, func(ctx context.Context) ([]domain.Candidate, error) {
		return c.inner.Lookup(ctx, osmIDs)
	})
}

func (c *CachedGeocoder) Reverse(ctx context.Context, lat, lon float64, zoom int) ([]domain.Candidate, error) {
	coord := fmt.Sprintf("%.6f,%.6f", lat, lon)
	return c.cached(ctx, []any{"nominatim.reverse", coord, zoom}, func(ctx context.Context) ([]domain.Candidate, error) {
		return c.inner.Reverse(ctx, lat, lon, zoom)
	})
}

func (c *CachedGeocoder) cached(ctx context.Context, args []any, fn func(context.Context) ([]domain.Candidate, error)) ([]domain.Candidate, error) {
	return cache.Cached(ctx, c.cache, c.ttl, args, nil, func(ctx context.Context) ([]domain.Candidate, bool, error) {
		results, err := fn(ctx)
		// Only cache non-empty results so transient "not found" responses can be retried.
		return results, len(results) > 0, err
	})
}
