// Package app assembles the resolution stack from configuration. Every
// command builds its components here so they share one wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/place2polygon/internal/adapter/llm"
	"github.com/couchcryptid/place2polygon/internal/adapter/nominatim"
	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/extract"
	"github.com/couchcryptid/place2polygon/internal/observability"
	"github.com/couchcryptid/place2polygon/internal/orchestrator"
	"github.com/couchcryptid/place2polygon/internal/pipeline"
	"github.com/couchcryptid/place2polygon/internal/ratelimit"
	"github.com/couchcryptid/place2polygon/internal/resolve"
)

// Stack is everything between a raw document and its enriched locations.
type Stack struct {
	Cache       *cache.Cache
	Manager     *cache.Manager
	Geocoder    domain.Geocoder
	Extractor   *extract.Extractor
	Resolver    *resolve.Resolver
	Transformer *pipeline.DocumentTransformer
	// Path is the finder in use: "basic" or "orchestrated".
	Path string

	logger *slog.Logger
}

// OpenCache opens the configured backend and wraps it in a Cache and Manager.
func OpenCache(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*cache.Cache, *cache.Manager, error) {
	var (
		backend cache.Backend
		err     error
	)
	switch cfg.Cache.Backend {
	case "postgres":
		backend, err = cache.OpenPostgres(cfg.Cache.DSN)
	case "redis":
		backend, err = cache.OpenRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
	default:
		backend, err = cache.OpenSQLite(cfg.Cache.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}

	c := cache.New(backend, cache.Options{TTL: cfg.Cache.TTL}, logger, metrics)
	return c, cache.NewManager(c, cfg.Cache.Prefix, logger, metrics), nil
}

// Build wires the full stack. orchestrate selects the multi-strategy finder;
// otherwise a single search per location is made.
func Build(ctx context.Context, cfg *config.Config, orchestrate bool, logger *slog.Logger, metrics *observability.Metrics) (*Stack, error) {
	if err := cfg.CheckNominatimIdentity(); err != nil {
		return nil, err
	}

	c, m, err := OpenCache(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.Nominatim.RPS, cfg.Nominatim.RetryAfter, nil, logger, metrics)
	client, err := nominatim.NewClient(nominatim.Config{
		BaseURL:   cfg.Nominatim.BaseURL,
		UserAgent: cfg.Nominatim.UserAgent,
		Referer:   cfg.Nominatim.Referer,
		Email:     cfg.Nominatim.Email,
		Timeout:   cfg.Nominatim.Timeout,
		Retry: ratelimit.RetryPolicy{
			MaxRetries:    cfg.Nominatim.MaxRetries,
			BackoffFactor: cfg.Nominatim.BackoffFactor,
		},
	}, limiter, logger, metrics)
	if err != nil {
		c.Close()
		return nil, err
	}
	geocoder := nominatim.NewCachedGeocoder(client, m, cfg.Cache.TTL)

	var finder resolve.BoundaryFinder
	if orchestrate {
		model, err := llm.New(cfg.LLM.Provider, llm.Options{
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			JSONMode: cfg.LLM.JSONMode,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		orch := orchestrator.New(geocoder, model, orchestrator.Config{
			MaxAttempts:         cfg.Orchestrator.MaxAttempts,
			ConfidenceThreshold: cfg.Orchestrator.ConfidenceThreshold,
			Validate:            cfg.LLM.Validate,
		}, logger, metrics)
		finder = resolve.NewOrchestratedFinder(orch)
	} else {
		finder = resolve.NewBasicFinder(geocoder, cfg.PreferSmaller)
	}

	extractor := extract.New(cfg.MinRelevance, logger)
	resolver := resolve.New(finder, m, resolve.Options{
		Timeout: cfg.ResolveTimeout,
		Workers: cfg.ResolveWorkers,
		TTL:     cfg.Cache.TTL,
	}, logger, metrics)

	logger.Info("resolution stack ready",
		"finder", finder.Path(),
		"cache_backend", cfg.Cache.Backend,
		"llm_provider", cfg.LLM.Provider,
	)

	return &Stack{
		Cache:       c,
		Manager:     m,
		Geocoder:    geocoder,
		Extractor:   extractor,
		Resolver:    resolver,
		Transformer: pipeline.NewTransformer(extractor, resolver, logger),
		Path:        finder.Path(),
		logger:      logger,
	}, nil
}

// Close stops the sweeper if running and releases the cache backend.
func (s *Stack) Close() {
	if err := s.Manager.Stop(5 * time.Second); err != nil {
		s.logger.Warn("cache sweeper stop", "error", err)
	}
	if err := s.Cache.Close(); err != nil {
		s.logger.Warn("cache close", "error", err)
	}
}
