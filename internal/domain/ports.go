package domain

import "context"

// SearchParams is the set of query parameters recognized by the geocoding
// service. Zero values are omitted from the request.
type SearchParams struct {
	Query      string `json:"q,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	County     string `json:"county,omitempty"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postalcode,omitempty"`

	CountryCodes    string `json:"countrycodes,omitempty"`
	FeatureType     string `json:"featuretype,omitempty"`
	Layer           string `json:"layer,omitempty"`
	AcceptLanguage  string `json:"accept-language,omitempty"`
	Viewbox         string `json:"viewbox,omitempty"`
	Bounded         bool   `json:"bounded,omitempty"`
	ExcludePlaceIDs string `json:"exclude_place_ids,omitempty"`

	PolygonGeoJSON bool `json:"polygon_geojson,omitempty"`
	AddressDetails bool `json:"addressdetails,omitempty"`
	ExtraTags      bool `json:"extratags,omitempty"`
	NameDetails    bool `json:"namedetails,omitempty"`
	Limit          int  `json:"limit,omitempty"`
}

// Structured reports whether any structured address field is set.
func (p SearchParams) Structured() bool {
	return p.Street != "" || p.City != "" || p.County != "" || p.State != "" ||
		p.Country != "" || p.PostalCode != ""
}

// FreeText returns p with the structured address fields cleared. Nominatim
// rejects requests that combine q with them.
func (p SearchParams) FreeText() SearchParams {
	p.Street, p.City, p.County, p.State, p.Country, p.PostalCode = "", "", "", "", "", ""
	return p
}

// Geocoder resolves names and coordinates to candidate places. Implementations
// degrade to empty results on upstream failures; only invalid arguments are
// returned as errors.
type Geocoder interface {
	Search(ctx context.Context, params SearchParams) ([]Candidate, error)
	Lookup(ctx context.Context, osmIDs []string) ([]Candidate, error)
	Reverse(ctx context.Context, lat, lon float64, zoom int) ([]Candidate, error)
}

// GenerateOptions constrains one LLM completion.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	// JSON asks the backend to respond with a JSON document when it can.
	JSON bool
}

// LLM produces a text completion for a prompt. Output is untrusted: callers
// own all parsing and validation.
type LLM interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Extractor finds place mentions in text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]LocationMention, error)
}
