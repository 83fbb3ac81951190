package resolve

import (
	"context"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/orchestrator"
)

// Result is what a finder learned about one mention. Boundary is set when a
// polygon candidate was chosen; Point carries the first geocoder hit when
// no polygon was available.
type Result struct {
	Boundary *domain.Candidate
	Point    *domain.Candidate
}

// BoundaryFinder locates the boundary for one mention. parent is the
// enclosing state, when known.
type BoundaryFinder interface {
	Find(ctx context.Context, m domain.LocationMention, parent string) (Result, error)
	// Path names the finder in enrichment sources and metrics.
	Path() string
}

// BasicFinder runs one free-text search and picks a boundary with the
// selector.
type BasicFinder struct {
	geocoder domain.Geocoder
	selector domain.BoundarySelector
}

// NewBasicFinder creates a finder that prefers smaller areas when
// preferSmaller is set.
func NewBasicFinder(g domain.Geocoder, preferSmaller bool) *BasicFinder {
	return &BasicFinder{geocoder: g, selector: domain.NewBoundarySelector(preferSmaller, 1)}
}

func (f *BasicFinder) Path() string { return "basic" }

func (f *BasicFinder) Find(ctx context.Context, m domain.LocationMention, _ string) (Result, error) {
	results, err := f.geocoder.Search(ctx, domain.SearchParams{
		Query:          m.Name,
		PolygonGeoJSON: true,
		AddressDetails: true,
		ExtraTags:      true,
		Limit:          5,
	})
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return Result{}, nil
	}
	typ := m.Type
	if typ == domain.TypeUnknown {
		typ = ""
	}
	if best := f.selector.Select(results, typ); len(best) > 0 {
		return Result{Boundary: &best[0]}, nil
	}
	first := results[0]
	return Result{Point: &first}, nil
}

// OrchestratedFinder delegates to the multi-attempt search orchestrator.
type OrchestratedFinder struct {
	orch *orchestrator.Orchestrator
}

func NewOrchestratedFinder(o *orchestrator.Orchestrator) *OrchestratedFinder {
	return &OrchestratedFinder{orch: o}
}

func (f *OrchestratedFinder) Path() string { return "orchestrated" }

func (f *OrchestratedFinder) Find(ctx context.Context, m domain.LocationMention, parent string) (Result, error) {
	out := f.orch.Search(ctx, orchestrator.Request{
		Name:             m.Name,
		Type:             m.Type,
		ContextSentences: m.ContextSentences,
		Nearby:           m.RelatedLocations,
		ParentRegion:     parent,
	})
	if !out.Found {
		return Result{}, nil
	}
	c := out.Candidate
	return Result{Boundary: &c}, nil
}
