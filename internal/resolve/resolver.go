// Package resolve turns extracted mentions into enriched locations, using the
// persistent cache in front of a boundary finder.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

// DefaultTimeout bounds the work spent on a single location.
const DefaultTimeout = 60 * time.Second

// Options tunes a Resolver.
type Options struct {
	Timeout time.Duration
	Workers int
	TTL     time.Duration
}

// Resolver is safe for concurrent use.
type Resolver struct {
	finder  BoundaryFinder
	cache   *cache.Manager
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a resolver. m may be nil to disable caching.
func New(finder BoundaryFinder, m *cache.Manager, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Resolver{finder: finder, cache: m, opts: opts, logger: logger, metrics: metrics}
}

// CacheKey is the cache key for a (name, type) pair, or "" without a cache.
func (r *Resolver) CacheKey(m domain.LocationMention) string {
	if r.cache == nil {
		return ""
	}
	return r.cache.Key([]any{"boundary", m.Name, string(m.Type)}, nil)
}

// Resolve enriches one mention. It never fails: anything short of a boundary
// or a point comes back unresolved.
func (r *Resolver) Resolve(ctx context.Context, m domain.LocationMention, parent string) domain.EnrichedLocation {
	log := r.logger.With("location", m.Name, "type", string(m.Type))

	var key string
	if r.cache != nil {
		key = r.CacheKey(m)
		var rec domain.BoundaryRecord
		if r.cache.GetCachedResult(ctx, key, &rec) {
			log.Debug("boundary served from cache")
			r.observe("cache", "boundary")
			return domain.Enrich(m, rec, "cache")
		}
	}

	findCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	res, err := r.finder.Find(findCtx, m, parent)
	path := r.finder.Path()
	switch {
	case err != nil:
		log.Error("boundary lookup failed", "path", path, "error", err)
	case res.Boundary != nil:
		rec := domain.RecordFromCandidate(*res.Boundary)
		if r.cache != nil {
			r.cache.CacheResult(ctx, key, rec, r.opts.TTL)
		}
		log.Info("boundary found", "path", path, "display_name", rec.DisplayName, "admin_level", rec.AdminLevel)
		r.observe(path, "boundary")
		return domain.Enrich(m, rec, path)
	case res.Point != nil:
		rec := domain.RecordFromCandidate(*res.Point)
		rec.Boundary = nil
		log.Info("no boundary, using point", "path", path, "display_name", rec.DisplayName)
		r.observe(path, "point")
		return domain.Enrich(m, rec, "point")
	}
	if findCtx.Err() != nil {
		log.Warn("location resolution timed out", "timeout", r.opts.Timeout)
	}
	r.observe(path, "none")
	return domain.Unresolved(m)
}

// ResolveAll resolves mentions on a bounded worker pool. The output order
// matches the input order, and one failing location does not affect the
// others.
func (r *Resolver) ResolveAll(ctx context.Context, mentions []domain.LocationMention) []domain.EnrichedLocation {
	out := make([]domain.EnrichedLocation, len(mentions))
	if len(mentions) == 0 {
		return out
	}
	types := make(map[string]domain.LocationType, len(mentions))
	for _, m := range mentions {
		types[strings.ToLower(m.Name)] = m.Type
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(r.opts.Workers, len(mentions)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = r.safeResolve(ctx, mentions[i], ParentRegion(mentions[i], types))
			}
		}()
	}
	for i := range mentions {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

func (r *Resolver) safeResolve(ctx context.Context, m domain.LocationMention, parent string) (loc domain.EnrichedLocation) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("location resolution panicked", "location", m.Name, "panic", fmt.Sprint(p))
			loc = domain.Unresolved(m)
		}
	}()
	return r.Resolve(ctx, m, parent)
}

// ParentRegion returns the first related location that is a state, using
// the types of the other mentions in the batch. States and countries have
// no parent.
func ParentRegion(m domain.LocationMention, types map[string]domain.LocationType) string {
	if m.Type == domain.TypeState || m.Type == domain.TypeCountry {
		return ""
	}
	for _, name := range m.RelatedLocations {
		if types[strings.ToLower(name)] == domain.TypeState {
			return name
		}
	}
	return ""
}

func (r *Resolver) observe(path, outcome string) {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(path, outcome).Inc()
	}
}
