package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

func TestMapMessageToRawDocument(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("key-1"),
		Value:     []byte(`{"id":"doc-1","text":"Boise"}`),
		Topic:     "raw-documents",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "content_type", Value: []byte("text/html")},
		},
	}

	raw := mapMessageToRawDocument(msg)

	assert.Equal(t, []byte("key-1"), raw.Key)
	assert.JSONEq(t, `{"id":"doc-1","text":"Boise"}`, string(raw.Value))
	assert.Equal(t, "raw-documents", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "text/html", raw.Headers["content_type"])
	assert.Nil(t, raw.Commit)
}

func TestToMessage(t *testing.T) {
	doc := domain.OutputDocument{
		Key:   []byte("doc-1"),
		Value: []byte(`{"id":"doc-1"}`),
		Headers: map[string]string{
			"resolved_count": "2",
			"content_type":   "application/json",
			"processed_at":   "2024-04-26T15:10:00Z",
		},
	}

	msg := toMessage(doc)

	assert.Equal(t, []byte("doc-1"), msg.Key)
	assert.JSONEq(t, `{"id":"doc-1"}`, string(msg.Value))
	assert.Len(t, msg.Headers, 3)
	assert.Equal(t, "content_type", msg.Headers[0].Key)
	assert.Equal(t, "processed_at", msg.Headers[1].Key)
	assert.Equal(t, "resolved_count", msg.Headers[2].Key)
	assert.Equal(t, []byte("2"), msg.Headers[2].Value)
}
