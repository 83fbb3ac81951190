// Package orchestrator runs a multi-attempt boundary search: generate query
// strategies (from an LLM when one is configured), execute them against the
// geocoder, and validate the best candidate of each attempt. It never returns
// an error; every failure degrades to the next attempt or an empty outcome.
package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

const (
	DefaultMaxAttempts         = 3
	DefaultConfidenceThreshold = 70
)

// Config tunes the orchestrator.
type Config struct {
	MaxAttempts int
	// ConfidenceThreshold is the 0-100 score an LLM verdict must exceed.
	ConfidenceThreshold float64
	// Validate enables the LLM-backed second validation tier.
	Validate bool
}

// Request describes the location being searched for.
type Request struct {
	Name             string
	Type             domain.LocationType
	ContextSentences []string
	Nearby           []string
	ParentRegion     string
}

// Summary is the diagnostic view of an attempt's best candidate.
type Summary struct {
	Found       bool   `json:"found"`
	DisplayName string `json:"display_name,omitempty"`
	OSMID       int64  `json:"osm_id,omitempty"`
	OSMType     string `json:"osm_type,omitempty"`
	Class       string `json:"class,omitempty"`
	HasPolygon  bool   `json:"has_polygon"`
	PolygonType string `json:"polygon_type,omitempty"`
}

// Attempt records one executed strategy.
type Attempt struct {
	Number   int       `json:"attempt"`
	Strategy Strategy  `json:"strategy"`
	Success  bool      `json:"success"`
	Result   Summary   `json:"result"`
	At       time.Time `json:"timestamp"`
}

// Outcome is the result of Search. Found is false when no attempt produced
// a validated candidate.
type Outcome struct {
	Candidate domain.Candidate `json:"candidate"`
	Found     bool             `json:"found"`
	Attempts  []Attempt        `json:"attempts"`
	// StrategySource is "llm" or "fallback".
	StrategySource string `json:"strategy_source"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	geocoder domain.Geocoder
	llm      domain.LLM
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates an orchestrator. llm may be nil, in which case the
// deterministic fallback strategies are used and validation is local only.
func New(geocoder domain.Geocoder, llm domain.LLM, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Orchestrator{
		geocoder: geocoder,
		llm:      llm,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		metrics:  metrics,
	}
}

// WithClock replaces the clock used for attempt timestamps.
func (o *Orchestrator) WithClock(c clockwork.Clock) *Orchestrator {
	o.clock = c
	return o
}

// Search looks for a validated boundary for req. It stops at the first
// attempt that validates, after MaxAttempts attempts, or when ctx is done.
func (o *Orchestrator) Search(ctx context.Context, req Request) Outcome {
	req.Name = strings.TrimSpace(req.Name)
	out := Outcome{Attempts: []Attempt{}}
	if req.Name == "" {
		return out
	}
	log := o.logger.With("location", req.Name, "type", string(req.Type))

	strategies, source := o.strategies(ctx, req, log)
	out.StrategySource = source

	for i, s := range strategies {
		if ctx.Err() != nil {
			log.Warn("orchestration stopped", "attempts", i, "error", ctx.Err())
			break
		}
		log.Info("search attempt", "attempt", i+1, "max", len(strategies), "strategy", s.Description)

		cand, ok := o.execute(ctx, s, req, log)
		attempt := Attempt{Number: i + 1, Strategy: s, Success: ok, Result: summarize(cand, ok), At: o.clock.Now()}
		out.Attempts = append(out.Attempts, attempt)

		if !ok {
			o.observeAttempt("empty")
			continue
		}
		if !o.validate(ctx, cand, req, log) {
			o.observeAttempt("rejected")
			continue
		}
		o.observeAttempt("validated")
		log.Info("validated result", "attempt", i+1, "display_name", cand.DisplayName)
		out.Candidate = cand
		out.Found = true
		return out
	}

	log.Warn("no valid result", "attempts", len(out.Attempts))
	return out
}

// strategies runs the generation stage and switches to the fallback list
// on any error.
func (o *Orchestrator) strategies(ctx context.Context, req Request, log *slog.Logger) ([]Strategy, string) {
	if o.llm == nil {
		return finalize(fallbackStrategies(req), req.Name, o.cfg.MaxAttempts), "fallback"
	}
	generated, err := o.generate(ctx, req, log)
	if err != nil {
		log.Warn("strategy generation failed, using fallback strategies", "error", err)
		return finalize(fallbackStrategies(req), req.Name, o.cfg.MaxAttempts), "fallback"
	}
	return finalize(generated, req.Name, o.cfg.MaxAttempts), "llm"
}

func (o *Orchestrator) generate(ctx context.Context, req Request, log *slog.Logger) ([]Strategy, error) {
	text, err := o.llm.Generate(ctx, strategyPrompt(req, max(1, o.cfg.MaxAttempts-1)), domain.GenerateOptions{
		Temperature: 0.1, MaxTokens: 2048, JSON: true,
	})
	if err != nil {
		o.observeLLM("strategy", "error")
		return nil, err
	}
	v, err := parseJSON(text)
	if err != nil {
		o.observeLLM("strategy", "unparsable")
		return nil, err
	}
	strategies, dropped, err := strategiesFromJSON(v, req.Name)
	if len(dropped) > 0 {
		log.Debug("dropped unsupported strategy parameters", "params", dropped)
	}
	if err != nil {
		o.observeLLM("strategy", "unparsable")
		return nil, err
	}
	o.observeLLM("strategy", "ok")
	return strategies, nil
}

// execute runs one strategy and returns the most important plausible
// candidate.
func (o *Orchestrator) execute(ctx context.Context, s Strategy, req Request, log *slog.Logger) (domain.Candidate, bool) {
	results, err := o.geocoder.Search(ctx, s.Params)
	if err != nil {
		log.Warn("strategy rejected by geocoder", "strategy", s.Description, "error", err)
		return domain.Candidate{}, false
	}
	if len(results) == 0 {
		return domain.Candidate{}, false
	}
	best := results[0]
	for _, c := range results[1:] {
		if c.Importance > best.Importance {
			best = c
		}
	}
	if !plausible(best, req) {
		log.Info("best candidate is not plausible", "display_name", best.DisplayName)
		return domain.Candidate{}, false
	}
	return best, true
}

// validate applies the local check, then the LLM verdict when enabled. An
// LLM failure keeps the local result.
func (o *Orchestrator) validate(ctx context.Context, c domain.Candidate, req Request, log *slog.Logger) bool {
	if !c.HasBoundary() || !plausible(c, req) {
		log.Info("result failed local validation", "display_name", c.DisplayName, "has_polygon", c.HasBoundary())
		return false
	}
	if o.llm == nil || !o.cfg.Validate {
		return true
	}

	text, err := o.llm.Generate(ctx, validationPrompt(c, req), domain.GenerateOptions{Temperature: 0.1, MaxTokens: 512, JSON: true})
	if err != nil {
		o.observeLLM("validation", "error")
		log.Warn("llm validation failed, keeping local result", "error", err)
		return true
	}
	v, err := parseVerdict(text)
	if err != nil {
		o.observeLLM("validation", "unparsable")
		log.Warn("llm validation unparsable, keeping local result", "error", err)
		return true
	}
	o.observeLLM("validation", "ok")
	log.Info("llm validation", "is_match", v.IsMatch, "confidence", v.Confidence)
	log.Debug("llm validation reasoning", "reasoning", v.Reasoning)
	return v.IsMatch && v.Confidence > o.cfg.ConfidenceThreshold
}

// typeAddressKeys are address components that imply a location type.
var typeAddressKeys = map[string][]string{
	"city":   {"city", "town", "village"},
	"state":  {"state", "province"},
	"county": {"county", "district"},
}

// plausible reports whether the name or the type shows up in the
// candidate's display name or address.
func plausible(c domain.Candidate, req Request) bool {
	name := strings.ToLower(req.Name)
	display := strings.ToLower(c.DisplayName)
	if strings.Contains(display, name) {
		return true
	}
	for _, v := range c.Address {
		if strings.Contains(strings.ToLower(v), name) {
			return true
		}
	}

	typ := strings.ToLower(string(req.Type))
	if typ == "" || typ == string(domain.TypeUnknown) {
		return false
	}
	if strings.Contains(strings.ToLower(c.Class), typ) || strings.Contains(display, typ) {
		return true
	}
	for k, v := range c.Address {
		if strings.Contains(strings.ToLower(k), typ) || strings.Contains(strings.ToLower(v), typ) {
			return true
		}
	}
	for k := range c.Address {
		if slices.Contains(typeAddressKeys[typ], k) {
			return true
		}
	}
	return false
}

func summarize(c domain.Candidate, found bool) Summary {
	if !found {
		return Summary{}
	}
	s := Summary{
		Found:       true,
		DisplayName: c.DisplayName,
		OSMID:       c.OSMID,
		OSMType:     c.OSMType,
		Class:       c.Class,
		HasPolygon:  c.HasBoundary(),
	}
	if c.Geometry != nil {
		s.PolygonType = c.Geometry.Type
	}
	return s
}

func (o *Orchestrator) observeAttempt(outcome string) {
	if o.metrics != nil {
		o.metrics.OrchestratorAttempts.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) observeLLM(stage, outcome string) {
	if o.metrics != nil {
		o.metrics.LLMCalls.WithLabelValues(stage, outcome).Inc()
	}
}
