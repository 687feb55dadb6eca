// Package metrics exposes Prometheus instrumentation for registration and
// duplicate search. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

type Metrics struct {
	Registrations     *prometheus.CounterVec
	MatchDuration     *prometheus.HistogramVec
	MatchCandidates   *prometheus.HistogramVec
	BiometricOutcomes *prometheus.CounterVec
	IdentifierSource  *prometheus.CounterVec
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_patients_total",
			Help: "Patient registrations by outcome",
		}, []string{"outcome"}),
		MatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registration_match_duration_seconds",
			Help:    "Duration of duplicate searches by mode and origin",
			Buckets: latencyBuckets,
		}, []string{"mode", "origin"}),
		MatchCandidates: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registration_match_candidates",
			Help:    "Candidates returned by duplicate searches",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}, []string{"mode"}),
		BiometricOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_biometric_samples_total",
			Help: "Biometric samples processed by outcome",
		}, []string{"outcome"}),
		IdentifierSource: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registration_identifier_source_events_total",
			Help: "Identifier source cache events",
		}, []string{"event"}),
	}
}

func (m *Metrics) IncRegistration(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

// ObserveMatch records a search started at start.
func (m *Metrics) ObserveMatch(mode, origin string, start time.Time) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(mode, origin).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveCandidates(mode string, n int) {
	if m == nil {
		return
	}
	m.MatchCandidates.WithLabelValues(mode).Observe(float64(n))
}

func (m *Metrics) IncBiometric(outcome string) {
	if m == nil {
		return
	}
	m.BiometricOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncIdentifierSource(event string) {
	if m == nil {
		return
	}
	m.IdentifierSource.WithLabelValues(event).Inc()
}
