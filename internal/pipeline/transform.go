package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/extract"
)

// LocationResolver enriches extracted mentions with boundaries.
type LocationResolver interface {
	ResolveAll(ctx context.Context, mentions []domain.LocationMention) []domain.EnrichedLocation
}

// DocumentTransformer implements Processor: it parses the payload, strips
// HTML, extracts place mentions and resolves each one to a boundary.
type DocumentTransformer struct {
	extractor domain.Extractor
	resolver  LocationResolver
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewTransformer creates a DocumentTransformer.
func NewTransformer(extractor domain.Extractor, resolver LocationResolver, logger *slog.Logger) *DocumentTransformer {
	return &DocumentTransformer{
		extractor: extractor,
		resolver:  resolver,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}
}

// WithClock replaces the clock that stamps ProcessedAt.
func (t *DocumentTransformer) WithClock(c clockwork.Clock) *DocumentTransformer {
	t.clock = c
	return t
}

// Process runs extraction and resolution for one document.
func (t *DocumentTransformer) Process(ctx context.Context, raw domain.RawDocument) (domain.ProcessedDocument, error) {
	doc, err := domain.ParseRawDocument(raw)
	if err != nil {
		return domain.ProcessedDocument{}, err
	}

	text := doc.Body
	if doc.IsHTML() {
		text, err = extract.TextFromHTML(strings.NewReader(doc.Body))
		if err != nil {
			return domain.ProcessedDocument{}, fmt.Errorf("document %s: %w", doc.ID, err)
		}
	}

	mentions, err := t.extractor.Extract(ctx, text)
	if err != nil {
		return domain.ProcessedDocument{}, fmt.Errorf("extract %s: %w", doc.ID, err)
	}

	locations := t.resolver.ResolveAll(ctx, mentions)
	processed := domain.NewProcessedDocument(doc.ID, locations, t.clock.Now())
	t.logger.Debug("document processed",
		"id", doc.ID,
		"mentions", len(mentions),
		"resolved", processed.ResolvedCount,
	)
	return processed, nil
}

// SerializeProcessedDocument encodes a ProcessedDocument for the sink, keyed by
// document ID.
func SerializeProcessedDocument(doc domain.ProcessedDocument) (domain.OutputDocument, error) {
	value, err := json.Marshal(doc)
	if err != nil {
		return domain.OutputDocument{}, fmt.Errorf("serialize document %s: %w", doc.ID, err)
	}
	return domain.OutputDocument{
		Key:   []byte(doc.ID),
		Value: value,
		Headers: map[string]string{
			"content_type":   "application/json",
			"resolved_count": strconv.Itoa(doc.ResolvedCount),
			"processed_at":   doc.ProcessedAt.Format(time.RFC3339),
		},
	}, nil
}
