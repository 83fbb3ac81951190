//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/place2polygon/internal/adapter/kafka"
	"github.com/couchcryptid/place2polygon/internal/cache"
	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/extract"
	"github.com/couchcryptid/place2polygon/internal/observability"
	"github.com/couchcryptid/place2polygon/internal/pipeline"
	"github.com/couchcryptid/place2polygon/internal/resolve"
)

const (
	testSourceTopic = "test-source"
	testSinkTopic   = "test-sink"
)

// articles are published to the source topic; every one mentions a place the
// fake geocoder knows.
var articles = []domain.DocumentPayload{
	{ID: "a-1", Text: "Crews from Seattle, Washington restored power overnight."},
	{ID: "a-2", Text: "The fair returns to Portland, Oregon next week."},
	{ID: "a-3", HTML: "<p>Flooding closed roads in Tulsa, Oklahoma.</p><script>var Dallas;</script>"},
}

// tableGeocoder returns one administrative polygon for each known query.
type tableGeocoder struct {
	known map[string]int // name -> admin level
}

func (g tableGeocoder) Search(_ context.Context, p domain.SearchParams) ([]domain.Candidate, error) {
	level, ok := g.known[p.Query]
	if !ok {
		return nil, nil
	}
	return []domain.Candidate{{
		OSMType: "relation", OSMID: int64(len(p.Query)), Class: "boundary", Type: "administrative",
		DisplayName: p.Query, Lat: 1, Lon: 2, Importance: 0.8,
		ExtraTags: map[string]string{"admin_level": strconv.Itoa(level)},
		Geometry:  &domain.Geometry{Type: "Polygon", Coordinates: []byte(`[[[0,0],[1,0],[1,1],[0,0]]]`)},
	}}, nil
}

func (tableGeocoder) Lookup(context.Context, []string) ([]domain.Candidate, error) { return nil, nil }

func (tableGeocoder) Reverse(context.Context, float64, float64, int) ([]domain.Candidate, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("place2polygon-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 5 * time.Second,
	}
}

func newTransformer(t *testing.T, metrics *observability.Metrics) *pipeline.DocumentTransformer {
	t.Helper()
	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "polygon_cache.db"))
	require.NoError(t, err)
	c := cache.New(store, cache.Options{}, discardLogger(), metrics)
	t.Cleanup(func() { _ = c.Close() })
	m := cache.NewManager(c, "", discardLogger(), metrics)

	geocoder := tableGeocoder{known: map[string]int{
		"Seattle": 8, "Washington": 4, "Portland": 8, "Oregon": 4, "Tulsa": 8, "Oklahoma": 4,
	}}
	resolver := resolve.New(resolve.NewBasicFinder(geocoder, true), m, resolve.Options{Workers: 2}, discardLogger(), metrics)
	return pipeline.NewTransformer(extract.New(-1, discardLogger()), resolver, discardLogger())
}

func publish(ctx context.Context, t *testing.T, broker string, msgs ...kafkago.Message) {
	t.Helper()
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testSourceTopic}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

func articleMessages(t *testing.T) []kafkago.Message {
	t.Helper()
	msgs := make([]kafkago.Message, 0, len(articles))
	for _, a := range articles {
		payload, err := json.Marshal(a)
		require.NoError(t, err)
		msgs = append(msgs, kafkago.Message{Key: []byte(a.ID), Value: payload, Time: time.Now()})
	}
	return msgs
}

func sinkConsumer(t *testing.T, broker string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

// processedMessage holds a deserialized message read from the sink topic.
type processedMessage struct {
	Doc     domain.ProcessedDocument
	Key     string
	Headers map[string]string
}

func readProcessed(ctx context.Context, t *testing.T, consumer *kafkago.Reader) processedMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var doc domain.ProcessedDocument
	require.NoError(t, json.Unmarshal(msg.Value, &doc), "unmarshal sink message")

	return processedMessage{Doc: doc, Key: string(msg.Key), Headers: headers}
}

// TestKafkaReaderWriter verifies kafka.Reader and kafka.Writer round-trip a
// document through Kafka.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-reader")

	msgs := articleMessages(t)
	publish(ctx, t, broker, msgs[0])

	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned.
	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawDocument
	for len(batch) == 0 {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, []byte("a-1"), raw.Key)
	assert.Equal(t, msgs[0].Value, raw.Value)
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	doc, err := newTransformer(t, observability.NewMetricsForTesting()).Process(ctx, raw)
	require.NoError(t, err)
	out, err := pipeline.SerializeProcessedDocument(doc)
	require.NoError(t, err)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.LoadBatch(ctx, []domain.OutputDocument{out}))

	pm := readProcessed(ctx, t, sinkConsumer(t, broker))
	assert.Equal(t, "a-1", pm.Key)
	assert.Equal(t, "2", pm.Headers["resolved_count"])
	_, err = time.Parse(time.RFC3339, pm.Headers["processed_at"])
	assert.NoError(t, err, "processed_at should be valid RFC3339")
	assert.Len(t, pm.Doc.FeatureCollection.Features, 2)
}

// TestPipelineEndToEnd wires Reader, DocumentTransformer and Writer with real
// Kafka and checks every article comes out enriched.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-pipeline")

	publish(ctx, t, broker, articleMessages(t)...)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newTransformer(t, metrics), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := sinkConsumer(t, broker)
	received := map[string]processedMessage{}
	for len(received) < len(articles) {
		pm := readProcessed(ctx, t, consumer)
		received[pm.Key] = pm
	}

	pipelineCancel()
	require.NoError(t, <-errCh)
	require.NoError(t, p.CheckReadiness(ctx))

	for _, a := range articles {
		pm, ok := received[a.ID]
		require.True(t, ok, "missing %s", a.ID)
		assert.Equal(t, 2, pm.Doc.ResolvedCount, a.ID)
		for _, l := range pm.Doc.Locations {
			assert.NotEqual(t, "Dallas", l.Name, "script content must be stripped")
		}
	}
}

// TestPipelineTransformError verifies that a poison message is skipped and
// the pipeline continues with valid documents.
func TestPipelineTransformError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-poison")

	good := articleMessages(t)[0]
	publish(ctx, t, broker,
		kafkago.Message{Key: []byte("bad"), Value: []byte(`{"id": not-json`), Time: time.Now()},
		good,
	)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(reader, newTransformer(t, metrics), writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := sinkConsumer(t, broker)
	pm := readProcessed(ctx, t, consumer)
	assert.Equal(t, "a-1", pm.Key)

	// No second message: the poison document was skipped.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second message on sink topic")

	pipelineCancel()
	require.NoError(t, <-errCh)
}
