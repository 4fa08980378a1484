// Package sweeper resolves abandoned reservations on a schedule.
//
// Expired reservations stop holding budget the moment they pass their
// expiry, whether or not the sweeper has run. The sweeper only moves them
// to the expired state, so the ledger shows how they ended, and deletes
// resolved reservation rows once they are older than the retention period.
// Usage records are never deleted.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/telemetry/logging"
)

// Recorder observes sweep runs. *metrics.Collector satisfies it.
type Recorder interface {
	RecordSweep(expired, pruned int, at time.Time, err error)
}

// Config controls the sweep schedule.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as
	// "@every 30s". An empty schedule disables scheduled runs.
	Schedule string

	// PruneAfter is how long resolved reservations are kept. Zero keeps
	// them forever.
	PruneAfter time.Duration
}

// Result summarizes one run.
type Result struct {
	Expired int       `json:"expired"`
	Pruned  int       `json:"pruned"`
	At      time.Time `json:"at"`
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	store    ledger.Store
	config   Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a sweeper. recorder and logger may be nil.
func New(store ledger.Store, cfg Config, recorder Recorder, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		config:   cfg,
		recorder: recorder,
		logger:   logging.Component(logger, "sweeper"),
		now:      time.Now,
		cron:     cron.New(),
	}
}

// Sweep expires reservations past their expiry and prunes old resolved
// ones. Pruning is attempted even when expiring fails.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.now()
	res := Result{At: now}

	expired, expireErr := s.store.ExpireReservations(ctx, now)
	res.Expired = expired

	var pruneErr error
	if s.config.PruneAfter > 0 {
		res.Pruned, pruneErr = s.store.PruneReservations(ctx, now.Add(-s.config.PruneAfter))
	}

	var err error
	switch {
	case expireErr != nil:
		err = fmt.Errorf("failed to expire reservations: %w", expireErr)
	case pruneErr != nil:
		err = fmt.Errorf("failed to prune reservations: %w", pruneErr)
	}

	if s.recorder != nil {
		s.recorder.RecordSweep(res.Expired, res.Pruned, now, err)
	}
	return res, err
}

// Start schedules Sweep. It returns an error for an invalid schedule and
// does nothing when the schedule is empty. The sweeper stops when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}
	if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started",
		"schedule", s.config.Schedule,
		"prune_after", s.config.PruneAfter,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if res.Expired > 0 || res.Pruned > 0 {
		s.logger.Info("sweep completed", "expired", res.Expired, "pruned", res.Pruned)
	} else {
		s.logger.Debug("sweep completed, nothing to do")
	}
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweeper stopped")
}

// Running reports whether the schedule is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not scheduled.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
