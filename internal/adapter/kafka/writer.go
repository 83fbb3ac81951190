package kafka

import (
	"context"
	"log/slog"
	"sort"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/domain"
)

// Writer produces processed documents to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch publishes a batch of processed documents in a single
// WriteMessages call. Documents are keyed by ID so reprocessing a document
// lands on the same partition.
func (w *Writer) LoadBatch(ctx context.Context, docs []domain.OutputDocument) error {
	if len(docs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(docs))
	for i := range docs {
		msgs[i] = toMessage(docs[i])
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// toMessage converts an OutputDocument into a Kafka message with headers in
// a stable order.
func toMessage(doc domain.OutputDocument) kafkago.Message {
	keys := make([]string, 0, len(doc.Headers))
	for k := range doc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafkago.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(doc.Headers[k])})
	}
	return kafkago.Message{
		Key:     doc.Key,
		Value:   doc.Value,
		Headers: headers,
	}
}
