package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

func strategyPrompt(req Request, n int) string {
	var b strings.Builder
	b.WriteString("You are generating search strategies to find the polygon boundary of a location with the Nominatim search API.\n\n")
	fmt.Fprintf(&b, "LOCATION: %s\n", req.Name)
	fmt.Fprintf(&b, "TYPE: %s\n", typeOrUnknown(req.Type))
	if req.ParentRegion != "" {
		fmt.Fprintf(&b, "PARENT REGION: %s\n", req.ParentRegion)
	}
	if len(req.Nearby) > 0 {
		nearby := req.Nearby
		if len(nearby) > 3 {
			nearby = nearby[:3]
		}
		fmt.Fprintf(&b, "NEARBY LOCATIONS: %s\n", strings.Join(nearby, ", "))
	}
	for i, s := range req.ContextSentences {
		if i == 2 {
			break
		}
		fmt.Fprintf(&b, "CONTEXT: %s\n", s)
	}

	fmt.Fprintf(&b, `
TASK:
Generate %d search strategies for finding the polygon boundary of this location.

SEARCH PARAMETERS:
- Always include "polygon_geojson": 1 and "addressdetails": 1
- Use "q" for free-form searches
- Use "city", "county", "state", "country" for structured searches; do not combine them with "q"
- "countrycodes", "featuretype", "viewbox" and "limit" are also accepted

OUTPUT FORMAT:
Return only a JSON object of this shape, with no explanation:
{"strategies": [{"description": "...", "params": {"q": "...", "polygon_geojson": 1, "addressdetails": 1, "limit": 5}}]}
`, n)
	return b.String()
}

func validationPrompt(c domain.Candidate, req Request) string {
	keys := make([]string, 0, len(c.Address))
	for k := range c.Address {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}

	var b strings.Builder
	b.WriteString("You are checking whether a Nominatim search result is the location we are looking for.\n\n")
	fmt.Fprintf(&b, "TARGET LOCATION: %s\nTARGET TYPE: %s\n", req.Name, typeOrUnknown(req.Type))
	if req.ParentRegion != "" {
		fmt.Fprintf(&b, "EXPECTED PARENT REGION: %s\n", req.ParentRegion)
	}
	fmt.Fprintf(&b, "\nSEARCH RESULT:\n  display_name: %s\n  class: %s\n  type: %s\n  osm_type: %s\n  importance: %.3f\n  admin_level: %d\n  address:\n",
		c.DisplayName, c.Class, c.Type, c.OSMType, c.Importance, domain.AdminLevelOf(c))
	for _, k := range keys {
		fmt.Fprintf(&b, "    %s: %s\n", k, c.Address[k])
	}
	b.WriteString(`
Consider name similarity, type compatibility, importance and address context.

OUTPUT FORMAT:
Return only a JSON object: {"is_match": true or false, "confidence": number from 0 to 100, "reasoning": "brief explanation"}
`)
	return b.String()
}

func typeOrUnknown(t domain.LocationType) string {
	if t == "" {
		return "Unknown"
	}
	return string(t)
}
