package metrics

import (
	"mercator-hq/tokenquota/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// PolicyMetrics tracks policy snapshot reloads.
//
// Metrics:
//   - tokenquota_policy_reloads_total: Reload attempts by result
//   - tokenquota_policy_version: Version of the active snapshot
type PolicyMetrics struct {
	reloadsTotal *prometheus.CounterVec
	version      prometheus.Gauge
}

// NewPolicyMetrics creates and registers policy metrics with the provided registry.
func NewPolicyMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *PolicyMetrics {
	pm := &PolicyMetrics{
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "policy",
				Name:      "reloads_total",
				Help:      "Total number of policy reloads",
			},
			[]string{"result"},
		),

		version: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "policy",
				Name:      "version",
				Help:      "Version of the active policy snapshot",
			},
		),
	}

	registry.MustRegister(
		pm.reloadsTotal,
		pm.version,
	)

	return pm
}

// RecordReload records one reload attempt. A failed reload keeps the
// previous version.
func (pm *PolicyMetrics) RecordReload(version int64, err error) {
	if err != nil {
		pm.reloadsTotal.WithLabelValues("error").Inc()
		return
	}
	pm.reloadsTotal.WithLabelValues("success").Inc()
	pm.version.Set(float64(version))
}
