package metrics

import (
	"mercator-hq/tokenquota/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// ReservationMetrics tracks the reservation lifecycle.
//
// Metrics:
//   - tokenquota_reservations_open: Reservations currently holding an estimate
//   - tokenquota_reservations_resolved_total: Resolutions by terminal state
//   - tokenquota_tokens_committed_total: Committed tokens by model and charge source
//
// The open gauge counts reservations made by this process and starts at
// zero on restart.
type ReservationMetrics struct {
	open            prometheus.Gauge
	resolvedTotal   *prometheus.CounterVec
	committedTokens *prometheus.CounterVec
}

// NewReservationMetrics creates and registers reservation metrics with the provided registry.
func NewReservationMetrics(cfg *config.MetricsConfig, registry prometheus.Registerer) *ReservationMetrics {
	rm := &ReservationMetrics{
		open: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "reservations",
				Name:      "open",
				Help:      "Number of reservations currently open",
			},
		),

		resolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "reservations",
				Name:      "resolved_total",
				Help:      "Total number of resolved reservations by state",
			},
			[]string{"state"},
		),

		committedTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "tokens_committed_total",
				Help:      "Total number of tokens committed to the ledger",
			},
			[]string{"model", "charge_source"},
		),
	}

	registry.MustRegister(
		rm.open,
		rm.resolvedTotal,
		rm.committedTokens,
	)

	return rm
}

// Opened records a new open reservation.
func (rm *ReservationMetrics) Opened() {
	rm.open.Inc()
}

// Resolved records n reservations reaching state.
func (rm *ReservationMetrics) Resolved(state string, n int) {
	if n <= 0 {
		return
	}
	rm.open.Sub(float64(n))
	rm.resolvedTotal.WithLabelValues(state).Add(float64(n))
}

// Committed records tokens written to the ledger.
func (rm *ReservationMetrics) Committed(model, chargeSource string, tokens int64) {
	if tokens <= 0 {
		return
	}
	rm.committedTokens.WithLabelValues(model, chargeSource).Add(float64(tokens))
}
