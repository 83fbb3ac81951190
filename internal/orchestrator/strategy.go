package orchestrator

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/adapter/nominatim"
	"github.com/couchcryptid/place2polygon/internal/domain"
)

// Strategy is one search attempt: a human-readable description and the
// parameters sent to the geocoder.
type Strategy struct {
	Description string              `json:"description"`
	Params      domain.SearchParams `json:"params"`
}

// placeholders are tokens a model may leave in place of the location name.
var placeholders = []string{"SEARCH_TERM", "LOCATION_NAME", "{location_name}", "{location}", "{name}"}

// baseStrategy is the plain free-text search every strategy list ends up containing.
func baseStrategy(name string) Strategy {
	return Strategy{
		Description: "Free-text search for the name",
		Params:      domain.SearchParams{Query: name, PolygonGeoJSON: true, AddressDetails: true, Limit: 5},
	}
}

// fallbackStrategies is the deterministic list used when no model is
// configured or its output cannot be used: a structured search by type when
// the type maps to a structured field, then the free-text search.
func fallbackStrategies(req Request) []Strategy {
	var out []Strategy
	p := domain.SearchParams{PolygonGeoJSON: true, AddressDetails: true, Limit: 3}
	switch domain.NormalizeLocationType(string(req.Type)) {
	case domain.TypeCity, "town", "village":
		p.City = req.Name
		p.State = req.ParentRegion
	case domain.TypeCounty, "parish", "borough":
		p.County = req.Name
		p.State = req.ParentRegion
	case domain.TypeState, "province":
		p.State = req.Name
	case domain.TypeCountry:
		p.Country = req.Name
	}
	if p.Structured() {
		out = append(out, Strategy{Description: fmt.Sprintf("Structured %s search", req.Type), Params: p})
	}
	if req.ParentRegion != "" {
		q := baseStrategy(req.Name + ", " + req.ParentRegion)
		q.Description = "Free-text search qualified by parent region"
		out = append(out, q)
	}
	return append(out, baseStrategy(req.Name))
}

// strategiesFromJSON converts decoded model output into strategies. It
// accepts a bare array, an object wrapping the array under "strategies", or
// a single strategy object.
func strategiesFromJSON(v any, name string) ([]Strategy, []string, error) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		if inner, ok := t["strategies"].([]any); ok {
			items = inner
		} else if _, ok := t["params"]; ok {
			items = []any{t}
		}
	}
	if len(items) == 0 {
		return nil, nil, fmt.Errorf("%w: no strategies in response", domain.ErrContractViolation)
	}

	var out []Strategy
	var dropped []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := obj["params"].(map[string]any)
		if !ok {
			continue
		}
		params, drop := nominatim.ParamsFromMap(substitute(raw, name))
		dropped = append(dropped, drop...)
		if params.Query == "" && !params.Structured() {
			continue
		}
		desc, _ := obj["description"].(string)
		out = append(out, Strategy{Description: strings.TrimSpace(desc), Params: params})
	}
	if len(out) == 0 {
		return nil, dropped, fmt.Errorf("%w: no usable strategies in response", domain.ErrContractViolation)
	}
	return out, dropped, nil
}

func substitute(params map[string]any, name string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			for _, ph := range placeholders {
				s = strings.ReplaceAll(s, ph, name)
			}
			v = s
		}
		out[k] = v
	}
	return out
}

// finalize forces polygon and address output on every strategy, makes sure
// the plain free-text strategy is present and caps the list at limit.
func finalize(strategies []Strategy, name string, limit int) []Strategy {
	hasBase := false
	for i := range strategies {
		strategies[i].Params.PolygonGeoJSON = true
		strategies[i].Params.AddressDetails = true
		if strings.EqualFold(strings.TrimSpace(strategies[i].Params.Query), name) {
			hasBase = true
		}
	}
	if !hasBase {
		if len(strategies) >= limit {
			strategies = strategies[:limit-1]
		}
		strategies = append(strategies, baseStrategy(name))
	}
	if len(strategies) > limit {
		strategies = strategies[:limit]
	}
	return strategies
}
