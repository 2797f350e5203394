// Package metrics exposes recording session counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "page_recorder"

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sessions holds the session collectors. A nil *Sessions records nothing.
type Sessions struct {
	registry *prometheus.Registry

	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	rejected *prometheus.CounterVec
}

// New creates the collectors on a fresh registry
func New() *Sessions {
	s := &Sessions{
		registry: prometheus.NewRegistry(),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished recording sessions by outcome and failure kind.",
		}, []string{"outcome", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from accepting a recording to the end of teardown.",
			Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently holding the recording slot.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Recording requests rejected before a session started.",
		}, []string{"reason"}),
	}

	s.registry.MustRegister(s.total, s.duration, s.active, s.rejected)
	return s
}

// Started marks a session as holding the slot
func (s *Sessions) Started() {
	if s == nil {
		return
	}
	s.active.Inc()
}

// Finished records a session that has been torn down. kind is empty on
// success.
func (s *Sessions) Finished(outcome, kind string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.active.Dec()
	s.total.WithLabelValues(outcome, kind).Inc()
	s.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Rejected counts a request turned away before a session started
func (s *Sessions) Rejected(reason string) {
	if s == nil {
		return
	}
	s.rejected.WithLabelValues(reason).Inc()
}

// Registry returns the registry the collectors live on
func (s *Sessions) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the exposition format
func (s *Sessions) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
