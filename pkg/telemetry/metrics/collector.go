package metrics

import (
	"errors"
	"sync"
	"time"

	"mercator-hq/tokenquota/pkg/config"
	"mercator-hq/tokenquota/pkg/quota"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision results used as label values.
const (
	ResultAdmitted = "admitted"
	ResultDenied   = "denied"
	ResultError    = "error"
)

// OverflowLabel replaces model names once the cardinality limit is reached.
const OverflowLabel = "other"

// DefaultMaxModels caps distinct model label values.
const DefaultMaxModels = 500

// Collector owns every tokenquota metric. All Record methods are no-ops
// when metrics are disabled, and a nil *Collector is safe to call.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	admission    *AdmissionMetrics
	reservations *ReservationMetrics
	policy       *PolicyMetrics
	sweeper      *SweeperMetrics

	models *CardinalityLimiter
}

// NewCollector creates a collector registered on registry. If registry is
// nil a fresh one is created.
//
// Example:
//
//	cfg := &config.MetricsConfig{Enabled: true, Namespace: "tokenquota"}
//	collector := metrics.NewCollector(cfg, nil)
//	http.Handle("/metrics", collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := *cfg
	if c.Namespace == "" {
		c.Namespace = config.DefaultMetricsNamespace
	}
	if len(c.DurationBuckets) == 0 {
		c.DurationBuckets = config.DefaultDurationBuckets
	}

	return &Collector{
		config:       &c,
		registry:     registry,
		admission:    NewAdmissionMetrics(&c, registry),
		reservations: NewReservationMetrics(&c, registry),
		policy:       NewPolicyMetrics(&c, registry),
		sweeper:      NewSweeperMetrics(&c, registry),
		models:       NewCardinalityLimiter(DefaultMaxModels),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordDecision records a Reserve outcome. err is the error Reserve
// returned alongside d, if any.
func (c *Collector) RecordDecision(d *quota.Decision, err error, elapsed time.Duration) {
	if !c.enabled() {
		return
	}

	switch {
	case err != nil && !errors.Is(err, quota.ErrConfigurationMissing):
		c.admission.RecordDecision(ResultError, "", elapsed)
	case d != nil && d.Admit:
		c.admission.RecordDecision(ResultAdmitted, string(d.ChargeSource), elapsed)
		c.reservations.Opened()
	case d != nil:
		c.admission.RecordDecision(ResultDenied, string(d.ChargeSource), elapsed)
		c.admission.RecordDenial(string(d.Scope.Kind))
	}
}

// RecordResolution records a reservation leaving the reserved state. rec
// is the usage record for commits and nil otherwise.
func (c *Collector) RecordResolution(state quota.ReservationState, rec *quota.UsageRecord) {
	if !c.enabled() {
		return
	}

	c.reservations.Resolved(string(state), 1)
	if rec != nil {
		c.reservations.Committed(c.modelLabel(rec.ModelID), string(rec.ChargeSource), rec.TotalTokens)
	}
}

// RecordSweep records one sweeper run.
func (c *Collector) RecordSweep(expired, pruned int, at time.Time, err error) {
	if !c.enabled() {
		return
	}

	c.reservations.Resolved(string(quota.StateExpired), expired)
	c.sweeper.RecordRun(expired, pruned, at, err)
}

// RecordPolicyReload records a policy snapshot reload.
func (c *Collector) RecordPolicyReload(version int64, err error) {
	if !c.enabled() {
		return
	}

	c.policy.RecordReload(version, err)
}

func (c *Collector) modelLabel(model string) string {
	if c.models.Allow(model) {
		return model
	}
	return OverflowLabel
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool {
	return c.enabled()
}

// CardinalityLimiter bounds the number of distinct values admitted for a
// label.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting at most maxCardinality
// distinct values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value may be used as a label value. Values seen
// before are always allowed.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	_, exists := cl.current[value]
	cl.mu.RUnlock()
	if exists {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of distinct values admitted.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
