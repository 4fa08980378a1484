package metrics

import (
	"time"

	"mercator-hq/tokenquota/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics tracks admission decisions.
//
// Metrics:
//   - tokenquota_admission_decisions_total: Reserve outcomes by result and charge source
//   - tokenquota_admission_denials_total: Denials by the kind of budget that denied
//   - tokenquota_admission_duration_seconds: Reserve latency
type AdmissionMetrics struct {
	decisionsTotal *prometheus.CounterVec
	denialsTotal   *prometheus.CounterVec
	duration       *prometheus.HistogramVec
}

// NewAdmissionMetrics creates and registers admission metrics with the provided registry.
func NewAdmissionMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *AdmissionMetrics {
	am := &AdmissionMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"result", "charge_source"},
		),

		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "denials_total",
				Help:      "Total number of denied admissions by denying budget kind",
			},
			[]string{"scope_kind"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "duration_seconds",
				Help:      "Duration of admission decisions in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		am.decisionsTotal,
		am.denialsTotal,
		am.duration,
	)

	return am
}

// RecordDecision records one Reserve outcome. result is "admitted",
// "denied" or "error".
func (am *AdmissionMetrics) RecordDecision(result, chargeSource string, duration time.Duration) {
	am.decisionsTotal.WithLabelValues(result, chargeSource).Inc()
	am.duration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordDenial records which kind of budget denied a request.
func (am *AdmissionMetrics) RecordDenial(scopeKind string) {
	am.denialsTotal.WithLabelValues(scopeKind).Inc()
}
