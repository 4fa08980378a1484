package admission

import (
	"log/slog"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/lock"
)

// DefaultTTL bounds how long a reservation holds its estimate.
const DefaultTTL = 5 * time.Minute

// Recorder observes admission outcomes. *metrics.Collector satisfies it.
type Recorder interface {
	RecordDecision(d *quota.Decision, err error, elapsed time.Duration)
	RecordResolution(state quota.ReservationState, rec *quota.UsageRecord)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(*quota.Decision, error, time.Duration)       {}
func (nopRecorder) RecordResolution(quota.ReservationState, *quota.UsageRecord) {}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker sets the scope locker. The default is an in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(c *Controller) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTTL sets the reservation lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFailOpen controls whether requests no policy covers are admitted.
func WithFailOpen(on bool) Option {
	return func(c *Controller) {
		c.failOpen = on
	}
}

// WithDefaultEstimate sets the estimate used when a request carries none.
func WithDefaultEstimate(tokens int64) Option {
	return func(c *Controller) {
		if tokens > 0 {
			c.defaultEstimate = tokens
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}
