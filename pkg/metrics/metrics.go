// Package metrics exposes the engine's Prometheus collectors. All recording
// methods are safe to call on a nil *Metrics, so components can run without
// instrumentation in tests and tools.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the latency histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// contextBuckets are the assembled context size buckets (in characters).
var contextBuckets = prometheus.ExponentialBuckets(250, 2, 8)

// Metrics groups every collector the engine records.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	embedCalls   *prometheus.CounterVec
	embedLatency prometheus.Histogram

	retrievalLatency prometheus.Histogram
	retrievalErrors  *prometheus.CounterVec
	degraded         prometheus.Counter
	contextChars     prometheus.Histogram

	breakerState *prometheus.GaugeVec

	ingestChunks *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
}

// New registers the engine collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "studduo"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "embed_cache", Name: "hits_total",
		Help: "Query embedding cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "embed_cache", Name: "misses_total",
		Help: "Query embedding cache misses.",
	})
	m.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "embed_cache", Name: "evictions_total",
		Help: "Entries evicted from the query embedding cache.",
	})
	m.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "embed_cache", Name: "entries",
		Help: "Current number of cached query embeddings.",
	})
	m.embedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "embedder", Name: "calls_total",
		Help: "Embedding provider calls by outcome.",
	}, []string{"status"})
	m.embedLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "embedder", Name: "latency_seconds",
		Help: "Embedding provider latency.", Buckets: DefaultBuckets,
	})
	m.retrievalLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "retrieval", Name: "latency_seconds",
		Help: "End-to-end retrieval latency.", Buckets: DefaultBuckets,
	})
	m.retrievalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "retrieval", Name: "errors_total",
		Help: "Retrieval failures by kind.",
	}, []string{"kind"})
	m.degraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "retrieval", Name: "degraded_total",
		Help: "Contexts assembled without retrieved passages after an index failure.",
	})
	m.contextChars = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "assembler", Name: "context_chars",
		Help: "Rendered context size in characters.", Buckets: contextBuckets,
	})
	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})
	m.ingestChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "chunks_total",
		Help: "Document chunks processed by ingestion.",
	}, []string{"status"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	reg.MustRegister(
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheSize,
		m.embedCalls, m.embedLatency,
		m.retrievalLatency, m.retrievalErrors, m.degraded, m.contextChars,
		m.breakerState, m.ingestChunks, m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEvicted(n int) {
	if m != nil && n > 0 {
		m.cacheEvictions.Add(float64(n))
	}
}

func (m *Metrics) CacheSize(n int) {
	if m != nil {
		m.cacheSize.Set(float64(n))
	}
}

// EmbedCall records one provider call and its latency.
func (m *Metrics) EmbedCall(start time.Time, err error) {
	if m == nil {
		return
	}
	m.embedLatency.Observe(time.Since(start).Seconds())
	m.embedCalls.WithLabelValues(status(err)).Inc()
}

// RetrievalDone records retrieval latency; kind is empty on success.
func (m *Metrics) RetrievalDone(start time.Time, kind string) {
	if m == nil {
		return
	}
	m.retrievalLatency.Observe(time.Since(start).Seconds())
	if kind != "" {
		m.retrievalErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Degraded() {
	if m != nil {
		m.degraded.Inc()
	}
}

func (m *Metrics) ContextChars(n int) {
	if m != nil {
		m.contextChars.Observe(float64(n))
	}
}

// BreakerState records the numeric state of the named breaker.
func (m *Metrics) BreakerState(name string, state int) {
	if m != nil {
		m.breakerState.WithLabelValues(name).Set(float64(state))
	}
}

func (m *Metrics) IngestChunks(n int, err error) {
	if m != nil && n > 0 {
		m.ingestChunks.WithLabelValues(status(err)).Add(float64(n))
	}
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m != nil {
		m.httpRequests.WithLabelValues(route, fmt.Sprintf("%d", code)).Inc()
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server on the given port serving /metrics.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// ServeAsync starts the metrics server in a goroutine. Errors are logged.
func (m *Metrics) ServeAsync(port int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := m.Serve(port); err != nil {
			logger.Error("metrics server stopped", "port", port, "err", err)
		}
	}()
}
