package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Metrics holds the Prometheus collectors for the analysis pipeline. Each
// instance owns its registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	analyses    *prometheus.CounterVec
	degraded    *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	patternHits *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "analyses_total",
			Help:      "Completed analyses by method and risk level.",
		}, []string{"method", "level"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "degraded_results_total",
			Help:      "Degraded component results by component.",
		}, []string{"component"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "analysis_cache_hits_total",
			Help:      "Ensemble results served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "analysis_cache_misses_total",
			Help:      "Ensemble results computed because the cache had no entry.",
		}),
		patternHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "pattern_matches_total",
			Help:      "Fraud pattern matches by pattern type.",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "analysis_duration_seconds",
			Help:      "End-to-end analysis latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "worker_events_total",
			Help:      "Filing submissions handled by the async worker.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.analyses,
		m.degraded,
		m.cacheHits,
		m.cacheMisses,
		m.patternHits,
		m.duration,
		m.events,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAnalysis records a finished analysis. A nil receiver is a no-op.
func (m *Metrics) ObserveAnalysis(a *domain.Analysis, elapsed time.Duration) {
	if m == nil || a == nil {
		return
	}
	method := string(a.Method)
	m.analyses.WithLabelValues(method, string(a.Level)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())

	if a.Decision != nil {
		for _, c := range a.Decision.DegradedComponents {
			m.degraded.WithLabelValues(c).Inc()
		}
	} else if a.Assessment.Degraded {
		m.degraded.WithLabelValues("rules").Inc()
	}

	for _, p := range a.Patterns {
		if p.Matched {
			m.patternHits.WithLabelValues(string(p.Type)).Inc()
		}
	}
}

// CacheHit counts an ensemble cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// CacheMiss counts an ensemble cache miss.
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// WorkerEvent counts a worker outcome ("processed", "failed", "invalid").
func (m *Metrics) WorkerEvent(outcome string) {
	if m != nil {
		m.events.WithLabelValues(outcome).Inc()
	}
}
