// Package metrics exposes Prometheus metrics for the classification service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cow-check/internal/predictor"
)

const (
	namespace = "cowcheck"
)

// Manager owns the registry and every collector.
type Manager struct {
	registry *prometheus.Registry

	predictions        *prometheus.CounterVec
	predictionFailures prometheus.Counter
	predictionLatency  prometheus.Histogram

	runs           prometheus.Counter
	runDuration    prometheus.Histogram
	runNoCowNotice prometheus.Counter

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// NewManager creates the collectors on a private registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{registry: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(m)
	}

	auto := promauto.With(m.registry)
	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "predictor",
		Name:      "predictions_total",
		Help:      "Predictions by resulting label, failures included as no_cow_detected.",
	}, []string{"label"})
	m.predictionFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "predictor",
		Name:      "failures_total",
		Help:      "Predictor calls that failed and were recorded as no cow detected.",
	})
	m.predictionLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "predictor",
		Name:      "latency_seconds",
		Help:      "Latency of single predictor calls.",
		Buckets:   prometheus.DefBuckets,
	})
	m.runs = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "runs_total",
		Help:      "Completed classification runs.",
	})
	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "run_duration_seconds",
		Help:      "Wall time of whole classification runs.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	m.runNoCowNotice = auto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "classifier",
		Name:      "no_cow_notices_total",
		Help:      "Runs that raised the no cow detected notice.",
	})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by route, method and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status_code"})

	return m
}

// ObservePrediction records one predictor call.
func (m *Manager) ObservePrediction(label predictor.Label, failed bool, latency time.Duration) {
	m.predictions.WithLabelValues(string(label)).Inc()
	if failed {
		m.predictionFailures.Inc()
	}
	m.predictionLatency.Observe(latency.Seconds())
}

// ObserveRun records a finished run.
func (m *Manager) ObserveRun(total, failed, noCow int, duration time.Duration) {
	m.runs.Inc()
	m.runDuration.Observe(duration.Seconds())
	if noCow > 0 {
		m.runNoCowNotice.Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Manager) ObserveHTTP(route, method string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(route, method, code).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, code).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}
