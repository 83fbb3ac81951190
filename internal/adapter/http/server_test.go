package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/place2polygon/internal/adapter/http"
	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/domain"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

// echoProcessor reports the parsed document as one unresolved location.
type echoProcessor struct {
	err error
}

func (p echoProcessor) Process(_ context.Context, raw domain.RawDocument) (domain.ProcessedDocument, error) {
	if p.err != nil {
		return domain.ProcessedDocument{}, p.err
	}
	doc, err := domain.ParseRawDocument(raw)
	if err != nil {
		return domain.ProcessedDocument{}, err
	}
	return domain.NewProcessedDocument(doc.ID, []domain.EnrichedLocation{
		domain.Unresolved(domain.LocationMention{Name: doc.ContentType, Type: domain.TypeCity}),
	}, time.Now()), nil
}

type stubStats struct {
	stats cache.Stats
	err   error
}

func (s stubStats) Stats(context.Context) (cache.Stats, error) { return s.stats, s.err }

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, httpadapter.API{}, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("not ready yet"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestV1RoutesAbsentWithoutHandlers(t *testing.T) {
	srv := newTestServer(nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/locations", strings.NewReader(`{"text":"Boise"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLocations(t *testing.T) {
	tests := []struct {
		name       string
		processor  echoProcessor
		body       string
		wantStatus int
		wantType   string
	}{
		{name: "text", body: `{"id":"d1","text":"Snow in Boise."}`, wantStatus: http.StatusOK, wantType: domain.ContentTypeText},
		{name: "html", body: `{"id":"d2","html":"<p>Snow in Boise.</p>"}`, wantStatus: http.StatusOK, wantType: domain.ContentTypeHTML},
		{name: "not json", body: `Snow in Boise.`, wantStatus: http.StatusBadRequest},
		{name: "empty text", body: `{"text":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "processing failure", processor: echoProcessor{err: errors.New("boom")}, body: `{"text":"Boise"}`, wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.API{Processor: tt.processor}, slog.Default())
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/locations", strings.NewReader(tt.body))

			srv.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
				return
			}
			var doc domain.ProcessedDocument
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
			require.Len(t, doc.Locations, 1)
			assert.Equal(t, tt.wantType, doc.Locations[0].Name)
			assert.Equal(t, "FeatureCollection", doc.FeatureCollection.Type)
		})
	}
}

func TestCacheStats(t *testing.T) {
	stats := cache.Stats{TotalEntries: 3, HitCount: 2, MissCount: 2, HitRate: 0.5,
		MostAccessed: []cache.KeyCount{{Key: "boundary_abc", AccessCount: 7}}}

	srv := httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.API{Cache: stubStats{stats: stats}}, slog.Default())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats, got)

	srv = httpadapter.NewServer(":0", &mockReadiness{}, httpadapter.API{Cache: stubStats{err: errors.New("db down")}}, slog.Default())
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
