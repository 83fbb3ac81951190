package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Content types accepted in a DocumentPayload.
const (
	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"
)

// RawDocument is an unprocessed message from a source (Kafka topic or inbox
// directory). Value holds either a JSON DocumentPayload or the bare document
// body when the source already knows its content type.
type RawDocument struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// DocumentPayload is the JSON envelope producers publish.
type DocumentPayload struct {
	ID          string `json:"id,omitempty"`
	Text        string `json:"text,omitempty"`
	HTML        string `json:"html,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Document is a parsed payload ready for extraction.
type Document struct {
	ID          string
	Body        string
	ContentType string
	ReceivedAt  time.Time
}

// IsHTML reports whether the body must be stripped of markup first.
func (d Document) IsHTML() bool {
	return d.ContentType == ContentTypeHTML
}

// ProcessedDocument is the record written to the sink.
type ProcessedDocument struct {
	ID                string             `json:"id"`
	Locations         []EnrichedLocation `json:"locations"`
	FeatureCollection FeatureCollection  `json:"feature_collection"`
	ResolvedCount     int                `json:"resolved_count"`
	ProcessedAt       time.Time          `json:"processed_at"`
}

// OutputDocument is the serialized form destined for the sink.
type OutputDocument struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// ErrEmptyDocument is returned for payloads with no text at all.
var ErrEmptyDocument = errors.New("document has no text")

// ParseRawDocument decodes a RawDocument. A value that is not a JSON object
// is taken as the document body, typed by the content_type header (plain text
// when absent).
func ParseRawDocument(raw RawDocument) (Document, error) {
	var p DocumentPayload
	trimmed := strings.TrimSpace(string(raw.Value))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(raw.Value, &p); err != nil {
			return Document{}, fmt.Errorf("parse raw document: %w", err)
		}
	} else {
		p.Text = string(raw.Value)
		p.ContentType = raw.Headers["content_type"]
	}

	doc := Document{
		ID:         p.ID,
		ReceivedAt: raw.Timestamp,
	}
	switch {
	case p.HTML != "":
		doc.Body, doc.ContentType = p.HTML, ContentTypeHTML
	case p.ContentType == ContentTypeHTML:
		doc.Body, doc.ContentType = p.Text, ContentTypeHTML
	default:
		doc.Body, doc.ContentType = p.Text, ContentTypeText
	}
	if strings.TrimSpace(doc.Body) == "" {
		return Document{}, ErrEmptyDocument
	}
	if doc.ID == "" {
		if len(raw.Key) > 0 {
			doc.ID = string(raw.Key)
		} else {
			doc.ID = generateID(doc.Body)
		}
	}
	return doc, nil
}

// NewProcessedDocument stamps the resolved locations with processedAt.
func NewProcessedDocument(id string, locations []EnrichedLocation, processedAt time.Time) ProcessedDocument {
	resolved := 0
	for _, l := range locations {
		if l.HasBoundary() {
			resolved++
		}
	}
	if locations == nil {
		locations = []EnrichedLocation{}
	}
	return ProcessedDocument{
		ID:                id,
		Locations:         locations,
		FeatureCollection: CombineLocations(locations),
		ResolvedCount:     resolved,
		ProcessedAt:       processedAt.UTC(),
	}
}

// generateID produces a deterministic ID from the document body so replays of
// the same content produce the same output key.
func generateID(body string) string {
	hash := sha256.Sum256([]byte(body))
	return "doc-" + hex.EncodeToString(hash[:8])
}
