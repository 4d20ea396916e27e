// Package metrics exposes Prometheus instrumentation for the embedding engine.
//
// Every Metrics value owns an isolated registry so several engines (or tests)
// can live in one process without name collisions. All recording methods are
// safe to call on a nil *Metrics, which lets library code take metrics as an
// optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains metrics configuration
type Config struct {
	Enabled                 bool   `yaml:"enabled" mapstructure:"enabled"`
	Address                 string `yaml:"address" mapstructure:"address"`
	Namespace               string `yaml:"namespace" mapstructure:"namespace"`
	EnableDefaultCollectors bool   `yaml:"enable_default_collectors" mapstructure:"enable_default_collectors"`
}

// Metrics holds the registry and the engine collectors
type Metrics struct {
	Registry *prometheus.Registry

	embedsTotal       *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	inFlight          *prometheus.GaugeVec
	permitsInUse      *prometheus.GaugeVec
	nanVectors        *prometheus.CounterVec
	poolRetries       *prometheus.CounterVec
	poolFaults        *prometheus.CounterVec
	queueLength       prometheus.Gauge
	cacheLookups      *prometheus.CounterVec
	workerChunks      *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		Registry: registry,
		embedsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "embed_requests_total",
			Help:      "Embedding calls by backend, operation and status.",
		}, []string{"backend", "op", "status"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "embed_duration_seconds",
			Help:      "Latency of embedding calls.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"backend", "op"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "evaluations_in_flight",
			Help:      "Native evaluations currently running.",
		}, []string{"backend"}),
		permitsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "admission_permits_in_use",
			Help:      "Admission permits currently held.",
		}, []string{"backend"}),
		nanVectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "nan_vectors_total",
			Help:      "Embeddings that contained NaN values.",
		}, []string{"backend"}),
		poolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pool_claim_retries_total",
			Help:      "Session slot claims that found every slot busy.",
		}, []string{"backend"}),
		poolFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pool_exhaustion_faults_total",
			Help:      "Permit holders that gave up claiming a session slot.",
		}, []string{"backend"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "embed_queue_length",
			Help:      "Approximate number of chunks waiting in the embed queue.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "embedding_cache_lookups_total",
			Help:      "Embedding cache lookups by result.",
		}, []string{"result"}),
		workerChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "worker_chunks_total",
			Help:      "Chunks processed by queue workers by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.embedsTotal,
		m.inferenceDuration,
		m.inFlight,
		m.permitsInUse,
		m.nanVectors,
		m.poolRetries,
		m.poolFaults,
		m.queueLength,
		m.cacheLookups,
		m.workerChunks,
	)

	if cfg.EnableDefaultCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveEmbed records one embed or batch embed call
func (m *Metrics) ObserveEmbed(backend, op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.embedsTotal.WithLabelValues(backend, op, status).Inc()
	m.inferenceDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// AddInFlight adjusts the running-evaluation gauge
func (m *Metrics) AddInFlight(backend string, delta float64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(backend).Add(delta)
}

// AddPermits adjusts the admission-permit gauge
func (m *Metrics) AddPermits(backend string, delta float64) {
	if m == nil {
		return
	}
	m.permitsInUse.WithLabelValues(backend).Add(delta)
}

// IncNaN counts an embedding containing NaN values
func (m *Metrics) IncNaN(backend string) {
	if m == nil {
		return
	}
	m.nanVectors.WithLabelValues(backend).Inc()
}

// IncPoolRetry counts a slot scan that found nothing free
func (m *Metrics) IncPoolRetry(backend string) {
	if m == nil {
		return
	}
	m.poolRetries.WithLabelValues(backend).Inc()
}

// IncPoolFault counts a permit holder that could not claim a slot
func (m *Metrics) IncPoolFault(backend string) {
	if m == nil {
		return
	}
	m.poolFaults.WithLabelValues(backend).Inc()
}

// SetQueueLength publishes the queue length counter
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// IncCacheLookup counts a cache lookup; result is hit, miss or error.
func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// AddWorkerChunks counts chunks handled by a queue worker
func (m *Metrics) AddWorkerChunks(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.workerChunks.WithLabelValues(status).Add(float64(n))
}

// Server returns an http.Server exposing /metrics on cfg.Address
func (m *Metrics) Server(cfg Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
