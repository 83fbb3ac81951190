// Package extract finds place-name mentions in plain text with a small set
// of capitalization, gazetteer and context rules.
package extract

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

// DefaultMinRelevance drops mentions scored below it.
const DefaultMinRelevance = 30

var (
	sentenceEndRe = regexp.MustCompile(`[.!?]+["')\]]*\s+|\n+`)
	phraseRe      = regexp.MustCompile(`\p{Lu}[\p{L}\p{M}'’\-]*(?:[ \t]+(?:of[ \t]+)?\p{Lu}[\p{L}\p{M}'’\-]*)*`)
	wordRe        = regexp.MustCompile(`[\p{L}\p{M}'’\-]+`)
	tokenRe       = regexp.MustCompile(`\S+`)
	commaNextRe   = regexp.MustCompile(`^[ \t]*,[ \t]*(\p{Lu}[\p{L}\p{M}'’\-]*(?:[ \t]+\p{Lu}[\p{L}\p{M}'’\-]*)*)`)
)

var indicatorTypes = map[string]domain.LocationType{
	"city": domain.TypeCity, "town": domain.TypeCity, "village": domain.TypeCity,
	"municipality": domain.TypeCity, "metropolitan": domain.TypeCity,
	"county": domain.TypeCounty, "parish": domain.TypeCounty, "borough": domain.TypeCounty,
	"state": domain.TypeState, "province": domain.TypeState, "territory": domain.TypeState,
	"neighborhood": domain.TypeNeighborhood, "neighbourhood": domain.TypeNeighborhood,
	"district": domain.TypeNeighborhood, "quarter": domain.TypeNeighborhood,
	"country": domain.TypeCountry, "nation": domain.TypeCountry,
	"region": domain.TypeRegion, "area": domain.TypeRegion, "valley": domain.TypeRegion, "zone": domain.TypeRegion,
}

var prepositions = toSet("in", "at", "near", "from", "to", "into", "across", "outside", "throughout",
	"around", "of", "toward", "towards", "via", "within", "through", "visited", "visiting")

var stopwords = toSet(
	"the", "a", "an", "this", "that", "these", "those", "it", "its", "he", "she", "they", "we", "i",
	"you", "his", "her", "our", "their", "my", "your", "in", "on", "at", "from", "to", "for", "and",
	"but", "or", "if", "when", "while", "after", "before", "during", "as", "by", "with", "however",
	"meanwhile", "also", "there", "here", "what", "where", "who", "why", "how", "yesterday", "today",
	"tomorrow", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "june", "july", "august", "september", "october",
	"november", "december", "mr", "mrs", "ms", "dr", "governor", "mayor", "president", "senator",
	"officials", "police", "according",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Extractor implements domain.Extractor without a language model.
type Extractor struct {
	minRelevance float64
	logger       *slog.Logger
}

var _ domain.Extractor = (*Extractor)(nil)

// New creates an extractor. minRelevance below zero uses DefaultMinRelevance.
func New(minRelevance float64, logger *slog.Logger) *Extractor {
	if minRelevance < 0 {
		minRelevance = DefaultMinRelevance
	}
	return &Extractor{minRelevance: minRelevance, logger: logger}
}

type sentence struct {
	start, end int
}

type tracked struct {
	mention   domain.LocationMention
	explicit  bool
	sentences []int
	related   []string
}

// Extract returns the place mentions in text ordered by relevance.
func (e *Extractor) Extract(ctx context.Context, text string) ([]domain.LocationMention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		e.logger.Warn("no text provided for location extraction")
		return []domain.LocationMention{}, nil
	}

	sentences := splitSentences(text)
	found := make(map[string]*tracked)
	var order []string

	for si, s := range sentences {
		sent := text[s.start:s.end]
		for _, loc := range phraseRe.FindAllStringIndex(sent, -1) {
			c, cue := classify(sent, loc[0], loc[1])
			if c.name == "" {
				continue
			}
			key := strings.ToLower(c.name)
			t, seen := found[key]
			if !cue && !seen {
				continue
			}
			if !seen {
				t = &tracked{mention: domain.LocationMention{
					Name: c.name,
					Type: c.typ,
					Span: domain.Span{Start: s.start + c.start, End: s.start + c.end},
				}, explicit: c.explicit}
				found[key] = t
				order = append(order, key)
			} else if c.explicit && !t.explicit {
				t.mention.Type = c.typ
				t.explicit = true
			}
			t.mention.OccurrenceCount++
			if !slices.Contains(t.sentences, si) {
				t.sentences = append(t.sentences, si)
			}
			if c.parent != "" && !strings.EqualFold(c.parent, c.name) {
				t.related = appendUnique(t.related, c.parent)
			}
		}
	}

	if len(order) == 0 {
		e.logger.Info("no location mentions found in text")
		return []domain.LocationMention{}, nil
	}

	all := make([]*tracked, 0, len(order))
	for _, k := range order {
		all = append(all, found[k])
	}
	for _, t := range all {
		for i, si := range t.sentences {
			if i == domain.MaxContextSentences {
				break
			}
			s := sentences[si]
			t.mention.ContextSentences = append(t.mention.ContextSentences, strings.TrimSpace(text[s.start:s.end]))
		}
		t.mention.RelatedLocations = relatedTo(t, all)
	}
	score(all, len(text))

	out := make([]domain.LocationMention, 0, len(all))
	for _, t := range all {
		if t.mention.RelevanceScore >= e.minRelevance {
			out = append(out, t.mention)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	e.logger.Debug("extracted locations", "found", len(all), "kept", len(out))
	return out, nil
}

func splitSentences(text string) []sentence {
	var out []sentence
	prev := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(text, -1) {
		if strings.TrimSpace(text[prev:m[1]]) != "" {
			out = append(out, sentence{start: prev, end: m[1]})
		}
		prev = m[1]
	}
	if strings.TrimSpace(text[prev:]) != "" {
		out = append(out, sentence{start: prev, end: len(text)})
	}
	return out
}

type candidate struct {
	name       string
	typ        domain.LocationType
	start, end int // relative to the sentence
	explicit   bool
	parent     string
}

// classify normalizes the capitalized phrase sent[start:end] and reports
// whether its context marks it as a place. A candidate with an empty name is
// never a place; one without a cue still counts as a repeat of a known place.
func classify(sent string, start, end int) (candidate, bool) {
	phrase := sent[start:end]
	toks := tokenRe.FindAllStringIndex(phrase, -1)
	for len(toks) > 0 && isStopword(phrase[toks[0][0]:toks[0][1]]) {
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return candidate{}, false
	}
	word := func(i int) string { return phrase[toks[i][0]:toks[i][1]] }

	c := candidate{start: start + toks[0][0], end: start + toks[len(toks)-1][1]}

	// "City of X", "County of X"
	if len(toks) >= 3 && word(1) == "of" {
		if t, ok := indicatorTypes[strings.ToLower(word(0))]; ok {
			c.typ, c.explicit = t, true
			c.start = start + toks[2][0]
		}
	}

	// "X County", "Kansas City", "Washington State"
	if !c.explicit && len(toks) >= 2 {
		last := strings.ToLower(word(len(toks) - 1))
		if t, ok := indicatorTypes[last]; ok {
			c.typ, c.explicit = t, true
			if t == domain.TypeState {
				c.end = start + toks[len(toks)-2][1]
			}
		}
	}

	c.name = strings.TrimSuffix(strings.TrimSuffix(sent[c.start:c.end], "'s"), "’s")
	c.end = c.start + len(c.name)
	if utf8.RuneCountInString(c.name) < 2 || isStopword(c.name) {
		return candidate{}, false
	}
	if _, ok := indicatorTypes[strings.ToLower(c.name)]; ok {
		return candidate{}, false
	}

	state, isState := stateName(c.name)
	if isState && !c.explicit {
		c.name, c.typ, c.explicit = state, domain.TypeState, true
	}

	before := wordRe.FindAllString(sent[:c.start], -1)
	after := wordRe.FindAllString(sent[end:], 5)

	cue := c.explicit
	if n := len(before); n > 0 {
		prev := strings.ToLower(before[n-1])
		switch {
		case prepositions[prev]:
			cue = true
		case prev == "the" && n > 1 && prepositions[strings.ToLower(before[n-2])]:
			cue = true
		}
		// "the city of X"
		if prev == "of" && n > 1 && !c.explicit {
			if t, ok := indicatorTypes[strings.ToLower(before[n-2])]; ok && isLower(before[n-2]) {
				c.typ, c.explicit = t, true
			}
		}
	}
	if len(after) > 0 && !c.explicit && isLower(after[0]) {
		if t, ok := indicatorTypes[after[0]]; ok {
			c.typ, c.explicit = t, true
		}
	}
	if m := commaNextRe.FindStringSubmatch(sent[end:]); m != nil {
		if parent, ok := stateName(m[1]); ok {
			c.parent = parent
			cue = true
		}
	}
	if !c.explicit {
		if t, ok := windowType(before, after); ok {
			c.typ = t
			cue = true
		}
	}
	if c.typ == "" {
		c.typ = domain.TypeCity
	}
	return c, cue
}

// windowType finds the nearest lower-case type word within five words after
// or three words before the phrase.
func windowType(before, after []string) (domain.LocationType, bool) {
	for _, w := range after {
		if t, ok := indicatorTypes[w]; ok && isLower(w) {
			return t, true
		}
	}
	for i := len(before) - 1; i >= 0 && i >= len(before)-3; i-- {
		if t, ok := indicatorTypes[before[i]]; ok && isLower(before[i]) {
			return t, true
		}
	}
	return "", false
}

// isStopword ignores case except for postal codes such as IN and OR.
func isStopword(w string) bool {
	if _, ok := usStates[w]; ok {
		return false
	}
	return stopwords[strings.ToLower(w)]
}

func isLower(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// relatedTo links sub-state places to states mentioned in the same
// sentence and the reverse, after any comma hierarchy already recorded.
func relatedTo(t *tracked, all []*tracked) []string {
	related := slices.Clone(t.related)
	for _, other := range all {
		if other == t {
			continue
		}
		var linked bool
		switch {
		case t.mention.Type == domain.TypeState:
			linked = other.mention.Type == domain.TypeCity || other.mention.Type == domain.TypeCounty
		case other.mention.Type == domain.TypeState:
			linked = t.mention.Type != domain.TypeCountry
		}
		if linked && sharesSentence(t, other) {
			related = appendUnique(related, other.mention.Name)
		}
	}
	return related
}

func sharesSentence(a, b *tracked) bool {
	for _, s := range a.sentences {
		if slices.Contains(b.sentences, s) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return list
		}
	}
	return append(list, s)
}

// score sets RelevanceScore: 50 base, up to 20 for frequency, up to 15 for
// early position (10 for late), 10 for a known type, capped at 100.
func score(all []*tracked, docLen int) {
	maxOcc := 1
	for _, t := range all {
		maxOcc = max(maxOcc, t.mention.OccurrenceCount)
	}
	begin := float64(docLen) * 0.25
	end := float64(docLen) * 0.75

	for _, t := range all {
		s := 50.0
		s += float64(t.mention.OccurrenceCount) / float64(maxOcc) * 20

		pos := float64(t.mention.Span.Start)
		switch {
		case pos < begin:
			s += 15 * (1 - pos/begin)
		case pos > end:
			s += 10 * ((pos - end) / (float64(docLen) - end))
		default:
			s += 5
		}
		if t.mention.Type != domain.TypeUnknown {
			s += 10
		}
		t.mention.RelevanceScore = math.Min(math.Round(s*10)/10, 100)
	}
}
