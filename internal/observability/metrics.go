package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "place2polygon"

// Metrics holds the Prometheus counters, histograms, and gauges for the service.
type Metrics struct {
	DocumentsConsumed prometheus.Counter
	DocumentsProduced prometheus.Counter
	TransformErrors   prometheus.Counter
	PipelineRunning   prometheus.Gauge

	// Per-document location results.
	LocationsProcessed        *prometheus.CounterVec // labels: outcome={resolved,unresolved}
	DocumentsWithoutLocations prometheus.Counter
	DuplicateDocuments        prometheus.Counter

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={search,lookup,reverse}, outcome={success,empty,error,invalid}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={search,lookup,reverse}
	LimiterRetries     *prometheus.CounterVec   // labels: key

	// Cache metrics.
	CacheLookups      *prometheus.CounterVec // labels: result={hit,miss,error}
	CacheSweepRemoved prometheus.Counter

	// Orchestration metrics.
	OrchestratorAttempts *prometheus.CounterVec // labels: outcome={validated,rejected,empty}
	LLMCalls             *prometheus.CounterVec // labels: stage={strategy,validation}, outcome={ok,error,unparsable}

	Resolutions *prometheus.CounterVec // labels: path={cache,basic,orchestrated}, outcome={boundary,point,none}
}

func newMetrics() *Metrics {
	return &Metrics{
		DocumentsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_consumed_total",
			Help:      "Total documents read from the source.",
		}),
		DocumentsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_produced_total",
			Help:      "Total processed documents written to the sink.",
		}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Total documents that could not be parsed or extracted.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		LocationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locations_processed_total",
			Help:      "Locations in produced documents by whether a boundary was found.",
		}, []string{"outcome"}),
		DocumentsWithoutLocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_without_locations_total",
			Help:      "Produced documents in which no place was mentioned.",
		}),
		DuplicateDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_documents_total",
			Help:      "Documents superseded by a later document with the same ID in the same batch.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of documents per extracted batch.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch extract-transform-load cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API calls by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Geocoding API call duration in seconds, including rate limiting and retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		LimiterRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_retries_total",
			Help:      "Retried operations by rate limiter key.",
		}, []string{"key"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Boundary cache lookups by result.",
		}, []string{"result"}),
		CacheSweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sweep_removed_total",
			Help:      "Expired cache entries removed by the background sweep.",
		}),
		OrchestratorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_attempts_total",
			Help:      "Search strategy attempts by outcome.",
		}, []string{"outcome"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM completions by orchestration stage and outcome.",
		}, []string{"stage", "outcome"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Location resolutions by path and outcome.",
		}, []string{"path", "outcome"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DocumentsConsumed,
		m.DocumentsProduced,
		m.TransformErrors,
		m.PipelineRunning,
		m.LocationsProcessed,
		m.DocumentsWithoutLocations,
		m.DuplicateDocuments,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.GeocodeRequests,
		m.GeocodeAPIDuration,
		m.LimiterRetries,
		m.CacheLookups,
		m.CacheSweepRemoved,
		m.OrchestratorAttempts,
		m.LLMCalls,
		m.Resolutions,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
