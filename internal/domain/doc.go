// Package domain models place mentions extracted from free text and the
// administrative boundaries they resolve to.
//
// # Data Source
//
// Boundaries come from a Nominatim-compatible geocoding service
// (https://nominatim.org/release-docs/latest/api/Search/). Search results are
// JSON objects carrying an OSM identity (osm_type + osm_id), a display name,
// an importance score, address components, optional extratags, and, when
// polygon_geojson=1 is requested, a GeoJSON geometry.
//
// Coordinates arrive as decimal strings ("47.6038321") and are parsed into
// float64 by the adapter before they reach this package.
//
// # Administrative Levels
//
// OSM admin_level values used for the US ladder:
//
//	2  country
//	4  state
//	6  county
//	8  city/town
//	10 neighborhood/district
//
// Lower numbers are larger areas. A candidate's level is resolved in this
// order: an "admin_level_N" address key, the extratags admin_level value, a
// heuristic from osm_type/class (boundary relation 8, place relation 10,
// natural feature 0), and finally the mid value 5. See [AdminLevelOf].
//
// # Boundary Eligibility
//
// Only Polygon and MultiPolygon geometries are boundaries. Point results can
// still supply coordinates for an enriched record but are never selected by
// [BoundarySelector].
//
// # Document IDs
//
// Documents without an explicit id get a deterministic SHA-256 of their
// content so replays produce the same output key. See [generateID].
package domain
