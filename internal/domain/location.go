package domain

import (
	"encoding/json"
	"strings"
)

// LocationType is the coarse kind of place a mention refers to.
type LocationType string

const (
	TypeCountry      LocationType = "country"
	TypeState        LocationType = "state"
	TypeCounty       LocationType = "county"
	TypeCity         LocationType = "city"
	TypeNeighborhood LocationType = "neighborhood"
	TypeRegion       LocationType = "region"
	TypeUnknown      LocationType = "unknown"
)

// NormalizeLocationType lowercases and trims a free-form type string.
// An empty input becomes TypeUnknown.
func NormalizeLocationType(s string) LocationType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeUnknown
	}
	return LocationType(s)
}

// Span is a half-open byte offset range into the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// LocationMention is a place name found in a piece of text.
type LocationMention struct {
	Name             string       `json:"name"`
	Type             LocationType `json:"type"`
	Span             Span         `json:"span"`
	OccurrenceCount  int          `json:"occurrence_count"`
	ContextSentences []string     `json:"context_sentences,omitempty"`
	RelevanceScore   float64      `json:"relevance_score,omitempty"`
	RelatedLocations []string     `json:"related_locations,omitempty"`
}

// MaxContextSentences caps LocationMention.ContextSentences.
const MaxContextSentences = 3

// Geometry is a GeoJSON geometry. Coordinates are kept raw so polygons pass
// through untouched.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
}

// IsBoundary reports whether the geometry is a Polygon or MultiPolygon with
// coordinates.
func (g *Geometry) IsBoundary() bool {
	if g == nil || len(g.Coordinates) == 0 || string(g.Coordinates) == "null" {
		return false
	}
	return g.Type == "Polygon" || g.Type == "MultiPolygon"
}

// Candidate is one geocoder result considered for a mention.
type Candidate struct {
	PlaceID     int64             `json:"place_id"`
	OSMType     string            `json:"osm_type"`
	OSMID       int64             `json:"osm_id"`
	Lat         float64           `json:"lat"`
	Lon         float64           `json:"lon"`
	DisplayName string            `json:"display_name"`
	Class       string            `json:"class,omitempty"`
	Type        string            `json:"type,omitempty"`
	Importance  float64           `json:"importance"`
	Address     map[string]string `json:"address,omitempty"`
	ExtraTags   map[string]string `json:"extratags,omitempty"`
	Geometry    *Geometry         `json:"geojson,omitempty"`
	BoundingBox []float64         `json:"boundingbox,omitempty"`
}

// HasBoundary reports whether the candidate carries a polygon geometry.
func (c Candidate) HasBoundary() bool {
	return c.Geometry.IsBoundary()
}

// EnrichedLocation is a mention plus whatever the resolver found for it.
// Boundary is nil when no polygon was found; Latitude/Longitude are nil when
// the geocoder returned nothing at all.
type EnrichedLocation struct {
	LocationMention

	Boundary    *Geometry         `json:"boundary"`
	DisplayName string            `json:"display_name,omitempty"`
	OSMID       int64             `json:"osm_id,omitempty"`
	OSMType     string            `json:"osm_type,omitempty"`
	Latitude    *float64          `json:"latitude"`
	Longitude   *float64          `json:"longitude"`
	Address     map[string]string `json:"address,omitempty"`
	AdminLevel  int               `json:"admin_level,omitempty"`
	Source      string            `json:"source,omitempty"` // "cache", "basic", "orchestrated", "point", "none"
}

// HasBoundary reports whether a polygon was attached.
func (e EnrichedLocation) HasBoundary() bool {
	return e.Boundary.IsBoundary()
}

// BoundaryRecord is the cached outcome of resolving one (name, type) pair.
type BoundaryRecord struct {
	Boundary    *Geometry         `json:"boundary"`
	DisplayName string            `json:"display_name"`
	OSMID       int64             `json:"osm_id"`
	OSMType     string            `json:"osm_type"`
	Latitude    float64           `json:"latitude"`
	Longitude   float64           `json:"longitude"`
	Address     map[string]string `json:"address,omitempty"`
	AdminLevel  int               `json:"admin_level"`
}

// RecordFromCandidate captures the fields of c worth caching.
func RecordFromCandidate(c Candidate) BoundaryRecord {
	return BoundaryRecord{
		Boundary:    c.Geometry,
		DisplayName: c.DisplayName,
		OSMID:       c.OSMID,
		OSMType:     c.OSMType,
		Latitude:    c.Lat,
		Longitude:   c.Lon,
		Address:     c.Address,
		AdminLevel:  AdminLevelOf(c),
	}
}

// Enrich merges a resolved record into the mention.
func Enrich(m LocationMention, rec BoundaryRecord, source string) EnrichedLocation {
	lat, lon := rec.Latitude, rec.Longitude
	return EnrichedLocation{
		LocationMention: m,
		Boundary:        rec.Boundary,
		DisplayName:     rec.DisplayName,
		OSMID:           rec.OSMID,
		OSMType:         rec.OSMType,
		Latitude:        &lat,
		Longitude:       &lon,
		Address:         rec.Address,
		AdminLevel:      rec.AdminLevel,
		Source:          source,
	}
}

// Unresolved returns the mention with no enrichment attached.
func Unresolved(m LocationMention) EnrichedLocation {
	return EnrichedLocation{LocationMention: m, Source: "none"}
}
