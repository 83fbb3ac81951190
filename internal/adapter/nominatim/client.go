// Package nominatim is a rate-limited client for the Nominatim geocoding API.
package nominatim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
	"github.com/couchcryptid/place2polygon/internal/ratelimit"
)

// DefaultBaseURL is the public OpenStreetMap instance.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// limiterKey groups every Nominatim call under one rate limit.
const limiterKey = "nominatim"

// Config configures a Client. UserAgent and Referer are required by the
// public service's usage policy.
type Config struct {
	BaseURL   string
	UserAgent string
	Referer   string
	Email     string
	Timeout   time.Duration
	Retry     ratelimit.RetryPolicy
}

// Client implements domain.Geocoder against a Nominatim server. Upstream
// failures are logged and returned as empty results.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

var _ domain.Geocoder = (*Client)(nil)

// NewClient validates cfg and creates a client. Missing User-Agent or
// Referer is a configuration error.
func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, fmt.Errorf("%w: nominatim requires a User-Agent", domain.ErrMisconfigured)
	}
	if strings.TrimSpace(cfg.Referer) == "" {
		return nil, fmt.Errorf("%w: nominatim requires a Referer", domain.ErrMisconfigured)
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: nominatim client needs a rate limiter", domain.ErrMisconfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = ratelimit.DefaultRetryPolicy
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Search runs a free-text or structured search. It returns ErrInvalidQuery
// when neither is given, and q wins when both are. A free-text query that is not a plausible place
// name yields no results without contacting the server.
func (c *Client) Search(ctx context.Context, p domain.SearchParams) ([]domain.Candidate, error) {
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" && !p.Structured() {
		c.observe("search", "invalid")
		return nil, domain.ErrInvalidQuery
	}
	if p.Query != "" && !ValidName(p.Query) {
		c.logger.Warn("skipping search for invalid location name", "query", p.Query)
		c.observe("search", "invalid")
		return nil, nil
	}
	if p.Query != "" && p.Structured() {
		c.logger.Debug("dropping structured fields from free-text search",
			"query", p.Query, "city", p.City, "county", p.County, "state", p.State, "country", p.Country)
		p = p.FreeText()
	}
	return c.get(ctx, "search", searchValues(p, c.cfg.Email)), nil
}

// Lookup fetches places by OSM id (N123, W123, R123).
func (c *Client) Lookup(ctx context.Context, osmIDs []string) ([]domain.Candidate, error) {
	if len(osmIDs) == 0 {
		return nil, fmt.Errorf("%w: no osm ids given", domain.ErrInvalidInput)
	}
	ids := make([]string, len(osmIDs))
	for i, id := range osmIDs {
		id = strings.ToUpper(strings.TrimSpace(id))
		if !osmIDRe.MatchString(id) {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidOSMID, osmIDs[i])
		}
		ids[i] = id
	}
	v := url.Values{
		"format":          {"json"},
		"osm_ids":         {strings.Join(ids, ",")},
		"polygon_geojson": {"1"},
		"addressdetails":  {"1"},
		"extratags":       {"1"},
	}
	if c.cfg.Email != "" {
		v.Set("email", c.cfg.Email)
	}
	return c.get(ctx, "lookup", v), nil
}

// Reverse finds the place at a coordinate. zoom follows Nominatim's 3-18
// detail scale; zero means 18. At most one result is returned.
func (c *Client) Reverse(ctx context.Context, lat, lon float64, zoom int) ([]domain.Candidate, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: lat=%v lon=%v", domain.ErrInvalidCoordinates, lat, lon)
	}
	if zoom <= 0 {
		zoom = 18
	}
	v := url.Values{
		"format":          {"json"},
		"lat":             {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":             {strconv.FormatFloat(lon, 'f', -1, 64)},
		"zoom":            {strconv.Itoa(zoom)},
		"polygon_geojson": {"1"},
		"addressdetails":  {"1"},
	}
	if c.cfg.Email != "" {
		v.Set("email", c.cfg.Email)
	}
	results := c.get(ctx, "reverse", v)
	if len(results) > 1 {
		results = results[:1]
	}
	return results, nil
}

// get performs a rate-limited, retried request and decodes the result.
// Every failure ends as an empty result.
func (c *Client) get(ctx context.Context, method string, v url.Values) []domain.Candidate {
	fullURL := c.cfg.BaseURL + "/" + method + "?" + v.Encode()

	start := time.Now()
	var body []byte
	err := c.limiter.ExecuteWithRetry(ctx, limiterKey, c.cfg.Retry, func(ctx context.Context) error {
		b, err := c.fetch(ctx, fullURL)
		body = b
		return err
	})
	if c.metrics != nil {
		c.metrics.GeocodeAPIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.Error("nominatim request failed", "method", method, "url", fullURL, "error", err)
		c.observe(method, "error")
		return nil
	}

	results, err := decode(body)
	if err != nil {
		c.logger.Error("nominatim response not understood", "method", method, "error", err)
		c.observe(method, "error")
		return nil
	}
	if len(results) == 0 {
		c.observe(method, "empty")
		return nil
	}
	c.observe(method, "success")
	return results
}

// fetch issues one HTTP request. 404 is an empty result; 429, 5xx and
// network errors are retryable; any other 4xx is permanent.
func (c *Client) fetch(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, ratelimit.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Referer", c.cfg.Referer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ratelimit.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Warn("nominatim returned 404, treating as no results", "url", fullURL)
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status 429", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: nominatim API error: status %d: %s", domain.ErrTransient, resp.StatusCode, body)
	default:
		return nil, ratelimit.Permanent(fmt.Errorf("nominatim API error: status %d: %s", resp.StatusCode, body))
	}
}

func (c *Client) observe(method, outcome string) {
	if c.metrics != nil {
		c.metrics.GeocodeRequests.WithLabelValues(method, outcome).Inc()
	}
}

// decode accepts the array returned by search/lookup and the single object
// returned by reverse. A reverse miss comes back as {"error": "..."}.
func decode(body []byte) ([]domain.Candidate, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var places []place
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &places); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	case '{':
		var p place
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if p.Error != "" {
			return nil, nil
		}
		places = []place{p}
	default:
		return nil, errors.New("decode response: not a JSON array or object")
	}

	out := make([]domain.Candidate, 0, len(places))
	for _, p := range places {
		out = append(out, p.candidate())
	}
	return out, nil
}

// Nominatim API response types.

type place struct {
	PlaceID     int64             `json:"place_id"`
	OSMType     string            `json:"osm_type"`
	OSMID       int64             `json:"osm_id"`
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	DisplayName string            `json:"display_name"`
	Class       string            `json:"class"`
	Category    string            `json:"category"` // jsonv2 name for class
	Type        string            `json:"type"`
	Importance  float64           `json:"importance"`
	Address     map[string]string `json:"address"`
	ExtraTags   map[string]string `json:"extratags"`
	GeoJSON     *domain.Geometry  `json:"geojson"`
	BoundingBox []string          `json:"boundingbox"` // [south, north, west, east]
	Error       string            `json:"error"`
}

func (p place) candidate() domain.Candidate {
	lat, _ := strconv.ParseFloat(p.Lat, 64)
	lon, _ := strconv.ParseFloat(p.Lon, 64)
	class := p.Class
	if class == "" {
		class = p.Category
	}
	var bbox []float64
	if len(p.BoundingBox) == 4 {
		bbox = make([]float64, 0, 4)
		for _, s := range p.BoundingBox {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				bbox = nil
				break
			}
			bbox = append(bbox, f)
		}
	}
	return domain.Candidate{
		PlaceID:     p.PlaceID,
		OSMType:     p.OSMType,
		OSMID:       p.OSMID,
		Lat:         lat,
		Lon:         lon,
		DisplayName: p.DisplayName,
		Class:       class,
		Type:        p.Type,
		Importance:  p.Importance,
		Address:     p.Address,
		ExtraTags:   p.ExtraTags,
		Geometry:    p.GeoJSON,
		BoundingBox: bbox,
	}
}
