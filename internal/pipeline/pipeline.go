package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"

	"github.com/couchcryptid/place2polygon/internal/domain"
	"github.com/couchcryptid/place2polygon/internal/observability"
)

// BatchExtractor reads up to batchSize raw documents from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawDocument, error)
}

// Processor finds and resolves the places mentioned in one raw document.
type Processor interface {
	Process(ctx context.Context, raw domain.RawDocument) (domain.ProcessedDocument, error)
}

// BatchLoader writes serialized processed documents to the sink.
type BatchLoader interface {
	LoadBatch(ctx context.Context, docs []domain.OutputDocument) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline moves documents from a source to a sink, attaching the boundaries
// of the places each one mentions.
type Pipeline struct {
	extractor BatchExtractor
	processor Processor
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, proc Processor, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		processor: proc,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once a batch has reached the sink, or an error
// describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any documents yet")
	}
	return nil
}

// Run processes batches until the context is cancelled. Extract and load
// failures back off exponentially; a batch that is not loaded is not
// committed, so the source redelivers it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	wait := backoff{next: initialBackoff}
	for ctx.Err() == nil {
		raws, err := p.extractor.ExtractBatch(ctx, p.batchSize)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			p.logger.Error("extract batch failed", "error", err)
			wait.sleep(ctx)
			continue
		}
		if len(raws) == 0 {
			continue
		}
		if err := p.runBatch(ctx, raws); err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("load batch failed", "error", err, "documents", len(raws))
			wait.sleep(ctx)
			continue
		}
		wait.reset()
	}

	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	return nil
}

// runBatch processes every document, loads the results and commits. A
// document that cannot be processed is committed and skipped so one bad
// payload cannot stall the source. Processing stops without committing when
// ctx ends mid-batch.
func (p *Pipeline) runBatch(ctx context.Context, raws []domain.RawDocument) error {
	start := time.Now()
	p.metrics.DocumentsConsumed.Add(float64(len(raws)))
	p.metrics.BatchSize.Observe(float64(len(raws)))

	b := newBatch(len(raws))
	for _, raw := range raws {
		doc, err := p.processor.Process(ctx, raw)
		var out domain.OutputDocument
		if err == nil {
			out, err = SerializeProcessedDocument(doc)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("document failed, skipping",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.TransformErrors.Inc()
			p.commit(ctx, raw)
			continue
		}
		if b.add(doc, out, raw) {
			p.logger.Debug("document superseded within batch", "id", doc.ID, "offset", raw.Offset)
		}
	}

	if len(b.outputs) == 0 {
		return nil
	}
	if err := p.loader.LoadBatch(ctx, b.outputs); err != nil {
		return err
	}
	for _, raw := range b.raws {
		p.commit(ctx, raw)
	}

	p.record(b, time.Since(start))
	p.ready.Store(true)
	return nil
}

// record reports what a loaded batch contained.
func (p *Pipeline) record(b *batch, elapsed time.Duration) {
	var locations, resolved, withoutLocations int
	for _, d := range b.docs {
		locations += len(d.Locations)
		resolved += d.ResolvedCount
		if len(d.Locations) == 0 {
			withoutLocations++
		}
	}
	unresolved := locations - resolved

	p.metrics.DocumentsProduced.Add(float64(len(b.outputs)))
	p.metrics.LocationsProcessed.WithLabelValues("resolved").Add(float64(resolved))
	p.metrics.LocationsProcessed.WithLabelValues("unresolved").Add(float64(unresolved))
	p.metrics.DocumentsWithoutLocations.Add(float64(withoutLocations))
	p.metrics.DuplicateDocuments.Add(float64(b.duplicates))
	p.metrics.BatchProcessingDuration.Observe(elapsed.Seconds())

	p.logger.Info("batch loaded",
		"documents", len(b.outputs),
		"locations", locations,
		"resolved", resolved,
		"unresolved", unresolved,
		"without_locations", withoutLocations,
		"duplicates", b.duplicates,
		"duration", elapsed,
	)
}

// commit acknowledges the document if the source supplied a commit function.
func (p *Pipeline) commit(ctx context.Context, raw domain.RawDocument) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// batch holds one output per document ID. The sink is keyed by ID, so a later
// document with the same ID replaces the earlier output in place; both source
// records are still committed after the load.
type batch struct {
	docs       []domain.ProcessedDocument
	outputs    []domain.OutputDocument
	raws       []domain.RawDocument
	byID       map[string]int
	duplicates int
}

func newBatch(size int) *batch {
	return &batch{
		docs:    make([]domain.ProcessedDocument, 0, size),
		outputs: make([]domain.OutputDocument, 0, size),
		raws:    make([]domain.RawDocument, 0, size),
		byID:    make(map[string]int, size),
	}
}

// add records doc and reports whether it replaced an earlier one.
func (b *batch) add(doc domain.ProcessedDocument, out domain.OutputDocument, raw domain.RawDocument) bool {
	b.raws = append(b.raws, raw)
	if i, ok := b.byID[doc.ID]; ok {
		b.docs[i] = doc
		b.outputs[i] = out
		b.duplicates++
		return true
	}
	b.byID[doc.ID] = len(b.outputs)
	b.docs = append(b.docs, doc)
	b.outputs = append(b.outputs, out)
	return false
}

// backoff doubles the wait after each failure, up to maxBackoff.
type backoff struct {
	next time.Duration
}

func (b *backoff) sleep(ctx context.Context) {
	if sharedretry.SleepWithContext(ctx, b.next) {
		b.next = sharedretry.NextBackoff(b.next, maxBackoff)
	}
}

func (b *backoff) reset() {
	b.next = initialBackoff
}
