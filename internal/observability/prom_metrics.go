package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the pipeline's counters as they change.
type Recorder interface {
	ReadingEmitted(source string)
	GenerationFailed(source string)
	ReadingsDropped(n int)
	BatchCommitted(destination string, rows int, elapsed time.Duration)
	BatchFailed(destination string)
	SetBufferDepth(destination string, depth int)
}

// PromMetrics is a Recorder backed by its own Prometheus registry.
type PromMetrics struct {
	registry *prometheus.Registry

	readings      *prometheus.CounterVec
	genFailures   *prometheus.CounterVec
	dropped       prometheus.Counter
	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchFailures *prometheus.CounterVec
	commitLatency *prometheus.HistogramVec
	bufferDepth   *prometheus.GaugeVec
}

// NewPromMetrics creates and registers the ingestion metrics.
func NewPromMetrics() *PromMetrics {
	p := &PromMetrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_readings_emitted_total",
			Help: "Readings produced by sources and handed to a buffer.",
		}, []string{"source"}),
		genFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_generation_failures_total",
			Help: "Generation cycles skipped because the generator failed.",
		}, []string{"source"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_readings_dropped_total",
			Help: "Readings discarded after the row target was reached.",
		}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rows_inserted_total",
			Help: "Rows durably written by the sink.",
		}, []string{"destination"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_committed_total",
			Help: "Batches committed successfully.",
		}, []string{"destination"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batches_failed_total",
			Help: "Batches dropped after a failed commit.",
		}, []string{"destination"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_commit_latency_seconds",
			Help:    "Time spent committing one batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"destination"}),
		bufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_buffer_depth",
			Help: "Readings currently waiting in a destination buffer.",
		}, []string{"destination"}),
	}

	p.registry.MustRegister(p.readings, p.genFailures, p.dropped, p.rows, p.batches,
		p.batchFailures, p.commitLatency, p.bufferDepth)
	return p
}

// Registry exposes the underlying registry.
func (p *PromMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PromMetrics) ReadingEmitted(source string) {
	p.readings.WithLabelValues(source).Inc()
}

func (p *PromMetrics) GenerationFailed(source string) {
	p.genFailures.WithLabelValues(source).Inc()
}

func (p *PromMetrics) ReadingsDropped(n int) {
	p.dropped.Add(float64(n))
}

func (p *PromMetrics) BatchCommitted(destination string, rows int, elapsed time.Duration) {
	p.rows.WithLabelValues(destination).Add(float64(rows))
	p.batches.WithLabelValues(destination).Inc()
	p.commitLatency.WithLabelValues(destination).Observe(elapsed.Seconds())
}

func (p *PromMetrics) BatchFailed(destination string) {
	p.batchFailures.WithLabelValues(destination).Inc()
}

func (p *PromMetrics) SetBufferDepth(destination string, depth int) {
	p.bufferDepth.WithLabelValues(destination).Set(float64(depth))
}
