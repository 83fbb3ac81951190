package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/domain"
)

// maxBodyBytes caps POST /v1/locations payloads.
const maxBodyBytes = 5 << 20

// DocumentProcessor extracts and resolves the locations of one document.
type DocumentProcessor interface {
	Process(ctx context.Context, raw domain.RawDocument) (domain.ProcessedDocument, error)
}

// StatsProvider reports cache statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// API holds the optional handlers behind /v1. A nil field leaves its route
// unregistered.
type API struct {
	Processor DocumentProcessor
	Cache     StatsProvider
	// RequestTimeout bounds one synchronous POST /v1/locations call.
	RequestTimeout time.Duration
}

// Server exposes health, readiness, metrics and the synchronous location API.
type Server struct {
	httpServer *http.Server
	api        API
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and any
// /v1 routes api enables.
func NewServer(addr string, ready sharedobs.ReadinessChecker, api API, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	if api.RequestTimeout <= 0 {
		api.RequestTimeout = 2 * time.Minute
	}
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      api.RequestTimeout + 10*time.Second,
			IdleTimeout:       60 * time.Second,
		},
		api:    api,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	if api.Processor != nil {
		mux.HandleFunc("POST /v1/locations", s.handleLocations)
	}
	if api.Cache != nil {
		mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	var payload domain.DocumentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("body must be a JSON object with text or html"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.api.RequestTimeout)
	defer cancel()

	doc, err := s.api.Processor.Process(ctx, domain.RawDocument{Value: body, Timestamp: time.Now()})
	switch {
	case errors.Is(err, domain.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.logger.Error("process document failed", "id", payload.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("document could not be processed"))
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.api.Cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("cache unavailable"))
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, stats)
}

func writeError(w http.ResponseWriter, status int, err error) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
