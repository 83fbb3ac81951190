package nominatim

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

// nameRe accepts letters and digits in any script plus common place-name punctuation.
var nameRe = regexp.MustCompile(`^[\p{L}\p{N}_\s.,'()\-]+$`)

// osmIDRe matches lookup identifiers such as R237385.
var osmIDRe = regexp.MustCompile(`^[NWR]\d+$`)

// ValidName reports whether s is plausible as a place name for a free-text query.
func ValidName(s string) bool {
	s = strings.TrimSpace(s)
	return utf8.RuneCountInString(s) >= 2 && nameRe.MatchString(s)
}

// sanitize strips characters that have no business in a query value.
func sanitize(s string) string {
	return strings.NewReplacer("<", "", ">", "").Replace(s)
}

// ParamsFromMap converts loosely typed parameters (as produced by an LLM or
// a config file) into SearchParams. Unknown keys are dropped and returned so
// callers can log them. String values have '<' and '>' removed.
func ParamsFromMap(m map[string]any) (domain.SearchParams, []string) {
	var p domain.SearchParams
	var dropped []string
	for k, v := range m {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "q", "query":
			p.Query = sanitize(str(v))
		case "street":
			p.Street = sanitize(str(v))
		case "city":
			p.City = sanitize(str(v))
		case "county":
			p.County = sanitize(str(v))
		case "state":
			p.State = sanitize(str(v))
		case "country":
			p.Country = sanitize(str(v))
		case "postalcode":
			p.PostalCode = sanitize(str(v))
		case "countrycodes":
			p.CountryCodes = sanitize(str(v))
		case "featuretype":
			p.FeatureType = sanitize(str(v))
		case "layer":
			p.Layer = sanitize(str(v))
		case "accept-language":
			p.AcceptLanguage = sanitize(str(v))
		case "viewbox":
			p.Viewbox = sanitize(str(v))
		case "bounded":
			p.Bounded = flag(v)
		case "exclude_place_ids":
			p.ExcludePlaceIDs = sanitize(str(v))
		case "polygon_geojson":
			p.PolygonGeoJSON = flag(v)
		case "addressdetails":
			p.AddressDetails = flag(v)
		case "extratags":
			p.ExtraTags = flag(v)
		case "namedetails":
			p.NameDetails = flag(v)
		case "limit":
			p.Limit = integer(v)
		case "format":
			// Always json; the client sets it.
		default:
			dropped = append(dropped, k)
		}
	}
	return p, dropped
}

// searchValues encodes p for the /search endpoint. Only the allow-listed
// fields of SearchParams can reach the wire.
func searchValues(p domain.SearchParams, email string) url.Values {
	v := url.Values{"format": {"json"}}
	set := func(key, val string) {
		if val = strings.TrimSpace(sanitize(val)); val != "" {
			v.Set(key, val)
		}
	}
	setFlag := func(key string, on bool) {
		if on {
			v.Set(key, "1")
		}
	}

	set("q", p.Query)
	set("street", p.Street)
	set("city", p.City)
	set("county", p.County)
	set("state", p.State)
	set("country", p.Country)
	set("postalcode", p.PostalCode)
	set("countrycodes", p.CountryCodes)
	set("featuretype", p.FeatureType)
	set("layer", p.Layer)
	set("accept-language", p.AcceptLanguage)
	set("viewbox", p.Viewbox)
	setFlag("bounded", p.Bounded)
	set("exclude_place_ids", p.ExcludePlaceIDs)
	setFlag("polygon_geojson", p.PolygonGeoJSON)
	setFlag("addressdetails", p.AddressDetails)
	setFlag("extratags", p.ExtraTags)
	setFlag("namedetails", p.NameDetails)
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	set("email", email)
	return v
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func flag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	}
	return false
}

func integer(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
