package metrics

import (
	"time"

	"mercator-hq/tokenquota/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// SweeperMetrics tracks reservation sweeps.
//
// Metrics:
//   - tokenquota_sweeper_expired_total: Reservations marked expired
//   - tokenquota_sweeper_pruned_total: Resolved reservation rows deleted
//   - tokenquota_sweeper_runs_total: Sweep runs by result
//   - tokenquota_sweeper_last_run_timestamp_seconds: Completion time of the last successful run
type SweeperMetrics struct {
	expiredTotal prometheus.Counter
	prunedTotal  prometheus.Counter
	runsTotal    *prometheus.CounterVec
	lastRun      prometheus.Gauge
}

// NewSweeperMetrics creates and registers sweeper metrics with the provided registry.
func NewSweeperMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *SweeperMetrics {
	sm := &SweeperMetrics{
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Total number of reservations marked expired",
		}),
		prunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "sweeper",
			Name:      "pruned_total",
			Help:      "Total number of resolved reservations deleted",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total number of sweep runs",
		}, []string{"result"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "sweeper",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last successful sweep",
		}),
	}

	registry.MustRegister(sm.expiredTotal, sm.prunedTotal, sm.runsTotal, sm.lastRun)
	return sm
}

// RecordRun records one sweep.
func (sm *SweeperMetrics) RecordRun(expired, pruned int, at time.Time, err error) {
	sm.expiredTotal.Add(float64(expired))
	sm.prunedTotal.Add(float64(pruned))
	if err != nil {
		sm.runsTotal.WithLabelValues("error").Inc()
		return
	}
	sm.runsTotal.WithLabelValues("success").Inc()
	sm.lastRun.Set(float64(at.Unix()))
}
