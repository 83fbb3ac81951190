package domain

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Admin levels on the US ladder.
const (
	AdminLevelCountry      = 2
	AdminLevelState        = 4
	AdminLevelCounty       = 6
	AdminLevelCity         = 8
	AdminLevelNeighborhood = 10

	// adminLevelDefault is used when nothing about a candidate hints at a level.
	adminLevelDefault = 5
)

var adminLevelNames = map[int]string{
	AdminLevelCountry:      "country",
	AdminLevelState:        "state",
	AdminLevelCounty:       "county",
	AdminLevelCity:         "city/town",
	AdminLevelNeighborhood: "neighborhood/district",
}

var typeAdminLevels = map[LocationType][]int{
	"country":      {AdminLevelCountry},
	"state":        {AdminLevelState},
	"province":     {AdminLevelState},
	"county":       {AdminLevelCounty},
	"parish":       {AdminLevelCounty},
	"borough":      {AdminLevelCounty},
	"city":         {AdminLevelCity},
	"town":         {AdminLevelCity},
	"village":      {AdminLevelCity},
	"municipality": {AdminLevelCity},
	"neighborhood": {AdminLevelNeighborhood},
	"district":     {AdminLevelNeighborhood},
	"quarter":      {AdminLevelNeighborhood},
}

// Unrecognized types accept any sub-national level.
var anyAdminLevel = []int{AdminLevelState, AdminLevelCounty, AdminLevelCity, AdminLevelNeighborhood}

// AdminLevelOf derives a single admin level for c. The result is deterministic
// for a given candidate.
func AdminLevelOf(c Candidate) int {
	// Address keys are iterated sorted so a candidate with several
	// admin_level_N keys always yields the same answer.
	keys := make([]string, 0, len(c.Address))
	for k := range c.Address {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n, ok := strings.CutPrefix(k, "admin_level_"); ok {
			if level, err := strconv.Atoi(n); err == nil {
				return level
			}
		}
	}

	if v, ok := c.ExtraTags["admin_level"]; ok {
		if level, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return level
		}
	}

	switch {
	case c.OSMType == "relation" && c.Class == "boundary":
		return AdminLevelCity
	case c.OSMType == "relation" && c.Class == "place":
		return AdminLevelNeighborhood
	case c.Class == "natural":
		return 0
	}
	return adminLevelDefault
}

// AdminLevelName returns the human-readable name for a level, or "level_N".
func AdminLevelName(level int) string {
	if name, ok := adminLevelNames[level]; ok {
		return name
	}
	return fmt.Sprintf("level_%d", level)
}

// TargetAdminLevels maps a location type to the admin levels that satisfy it.
func TargetAdminLevels(t LocationType) []int {
	if levels, ok := typeAdminLevels[NormalizeLocationType(string(t))]; ok {
		return levels
	}
	return anyAdminLevel
}

// BoundarySelector picks the administratively appropriate boundary among
// candidates returned for one name.
type BoundarySelector struct {
	PreferSmaller bool
	MaxResults    int
}

// NewBoundarySelector returns a selector. maxResults below 1 is treated as 1.
func NewBoundarySelector(preferSmaller bool, maxResults int) BoundarySelector {
	if maxResults < 1 {
		maxResults = 1
	}
	return BoundarySelector{PreferSmaller: preferSmaller, MaxResults: maxResults}
}

type leveled struct {
	c     Candidate
	level int
}

// Select returns up to MaxResults polygon candidates ordered by admin level.
// Candidates without a Polygon/MultiPolygon are never returned. A type
// filter that would remove every candidate is ignored. An empty locationType
// skips type filtering; unrecognized types accept levels 4 through 10.
func (s BoundarySelector) Select(candidates []Candidate, locationType LocationType) []Candidate {
	pool := make([]leveled, 0, len(candidates))
	for _, c := range candidates {
		if !c.HasBoundary() {
			continue
		}
		pool = append(pool, leveled{c: c, level: AdminLevelOf(c)})
	}
	if len(pool) == 0 {
		return nil
	}

	if locationType != "" {
		targets := TargetAdminLevels(locationType)
		filtered := make([]leveled, 0, len(pool))
		for _, l := range pool {
			if slices.Contains(targets, l.level) {
				filtered = append(filtered, l)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if s.PreferSmaller {
			return pool[i].level > pool[j].level
		}
		return pool[i].level < pool[j].level
	})

	limit := s.MaxResults
	if limit < 1 {
		limit = 1
	}
	if len(pool) > limit {
		pool = pool[:limit]
	}
	out := make([]Candidate, len(pool))
	for i, l := range pool {
		out[i] = l.c
	}
	return out
}

// NestedHierarchy groups candidates by admin level name.
func NestedHierarchy(candidates []Candidate) map[string][]Candidate {
	out := make(map[string][]Candidate)
	for _, c := range candidates {
		name := AdminLevelName(AdminLevelOf(c))
		out[name] = append(out[name], c)
	}
	return out
}

// Feature is a GeoJSON Feature.
type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// FeatureCollection is a GeoJSON FeatureCollection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// CombineBoundaries builds one FeatureCollection from every candidate that
// carries a geometry, tagging each feature with its admin level.
func CombineBoundaries(candidates []Candidate) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, c := range candidates {
		if c.Geometry == nil {
			continue
		}
		level := AdminLevelOf(c)
		typ, ok := adminLevelNames[level]
		if !ok {
			typ = "unknown"
		}
		fc.Features = append(fc.Features, Feature{
			Type: "Feature",
			Properties: map[string]any{
				"name":        c.DisplayName,
				"osm_id":      c.OSMID,
				"admin_level": level,
				"type":        typ,
			},
			Geometry: c.Geometry,
		})
	}
	return fc
}

// CombineLocations builds a FeatureCollection of every enriched location with
// a boundary, for map rendering.
func CombineLocations(locations []EnrichedLocation) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, l := range locations {
		if !l.HasBoundary() {
			continue
		}
		fc.Features = append(fc.Features, Feature{
			Type: "Feature",
			Properties: map[string]any{
				"name":             l.Name,
				"type":             string(l.Type),
				"display_name":     l.DisplayName,
				"osm_id":           l.OSMID,
				"admin_level":      l.AdminLevel,
				"occurrence_count": l.OccurrenceCount,
			},
			Geometry: l.Boundary,
		})
	}
	return fc
}
