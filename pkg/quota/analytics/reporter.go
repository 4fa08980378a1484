// Package analytics answers read-only questions about recorded usage:
// totals, leaders, per-model and per-charge-source breakdowns, daily
// series, and the configuration audit trail.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/telemetry/logging"
	"mercator-hq/tokenquota/pkg/telemetry/tracing"
)

// DefaultTopN is the number of leaders reported when none is requested.
const DefaultTopN = 10

// ModelUsage is usage on one model.
type ModelUsage struct {
	ledger.Bucket

	// AverageTokens is total tokens per call.
	AverageTokens float64 `json:"average_tokens"`
}

// Statistics is the combined usage report.
type Statistics struct {
	Totals        *ledger.Totals  `json:"totals"`
	TopActors     []ledger.Bucket `json:"top_actors"`
	TopGroups     []ledger.Bucket `json:"top_groups"`
	Models        []ModelUsage    `json:"models"`
	ChargeSources []ledger.Bucket `json:"charge_sources"`
	Daily         []ledger.Bucket `json:"daily"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Reporter runs aggregate queries against the ledger.
type Reporter struct {
	store  ledger.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewReporter creates a reporter. logger may be nil.
func NewReporter(store ledger.Store, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:  store,
		logger: logging.Component(logger, "analytics"),
		tracer: tracing.Named("analytics"),
	}
}

func validate(f ledger.Filter) error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return quota.Invalidf("time range end %s is before start %s",
			f.To.Format(time.RFC3339), f.From.Format(time.RFC3339))
	}
	if f.ChargeSource != "" && !f.ChargeSource.Valid() {
		return quota.Invalidf("unknown charge source %q", f.ChargeSource)
	}
	return nil
}

// Summary returns overall totals.
func (r *Reporter) Summary(ctx context.Context, f ledger.Filter) (*ledger.Totals, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	return r.store.Totals(ctx, f)
}

// TopActors returns the n heaviest actors. n <= 0 means DefaultTopN.
func (r *Reporter) TopActors(ctx context.Context, f ledger.Filter, n int) ([]ledger.Bucket, error) {
	return r.top(ctx, f, ledger.ByActor, n)
}

// TopGroups returns the n heaviest groups. Usage outside any group is not
// counted. n <= 0 means DefaultTopN.
func (r *Reporter) TopGroups(ctx context.Context, f ledger.Filter, n int) ([]ledger.Bucket, error) {
	return r.top(ctx, f, ledger.ByGroup, n)
}

func (r *Reporter) top(ctx context.Context, f ledger.Filter, by ledger.Dimension, n int) ([]ledger.Bucket, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	return r.aggregate(ctx, f, by, n)
}

// ByModel returns usage per model with the average tokens per call.
func (r *Reporter) ByModel(ctx context.Context, f ledger.Filter) ([]ModelUsage, error) {
	buckets, err := r.aggregate(ctx, f, ledger.ByModel, 0)
	if err != nil {
		return nil, err
	}
	out := make([]ModelUsage, len(buckets))
	for i, b := range buckets {
		out[i] = ModelUsage{Bucket: b}
		if b.Calls > 0 {
			out[i].AverageTokens = float64(b.TotalTokens) / float64(b.Calls)
		}
	}
	return out, nil
}

// ByChargeSource returns usage per charge source.
func (r *Reporter) ByChargeSource(ctx context.Context, f ledger.Filter) ([]ledger.Bucket, error) {
	return r.aggregate(ctx, f, ledger.ByChargeSource, 0)
}

// Daily returns a per-day series in UTC, oldest first. Days without usage
// are omitted.
func (r *Reporter) Daily(ctx context.Context, f ledger.Filter) ([]ledger.Bucket, error) {
	return r.aggregate(ctx, f, ledger.ByDay, 0)
}

func (r *Reporter) aggregate(ctx context.Context, f ledger.Filter, by ledger.Dimension, limit int) ([]ledger.Bucket, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	return r.store.Aggregate(ctx, ledger.AggregateQuery{Filter: f, By: by, Limit: limit})
}

// GetStatistics runs every report concurrently. The first failure cancels
// the rest.
func (r *Reporter) GetStatistics(ctx context.Context, f ledger.Filter, topN int) (*Statistics, error) {
	ctx, span := r.tracer.Start(ctx, "analytics.GetStatistics", trace.WithAttributes(
		attribute.String(tracing.AttrActor, f.ActorID),
		attribute.String(tracing.AttrGroup, f.GroupID),
		attribute.String(tracing.AttrModel, f.ModelID),
	))
	defer span.End()

	if err := validate(f); err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	start := time.Now()
	stats := &Statistics{GeneratedAt: start}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		stats.Totals, err = r.Summary(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		stats.TopActors, err = r.TopActors(gctx, f, topN)
		return err
	})
	g.Go(func() (err error) {
		stats.TopGroups, err = r.TopGroups(gctx, f, topN)
		return err
	})
	g.Go(func() (err error) {
		stats.Models, err = r.ByModel(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		stats.ChargeSources, err = r.ByChargeSource(gctx, f)
		return err
	})
	g.Go(func() (err error) {
		stats.Daily, err = r.Daily(gctx, f)
		return err
	})

	if err := g.Wait(); err != nil {
		tracing.SetError(span, err)
		r.logger.ErrorContext(ctx, "statistics query failed", "error", err)
		return nil, err
	}

	tracing.SetError(span, nil)
	span.SetAttributes(attribute.Int64(tracing.AttrTokensTotal, stats.Totals.TotalTokens))
	r.logger.DebugContext(ctx, "statistics computed",
		"calls", stats.Totals.Calls,
		"total_tokens", stats.Totals.TotalTokens,
		"duration", time.Since(start),
	)
	return stats, nil
}

// AuditTrail returns configuration changes, newest first.
func (r *Reporter) AuditTrail(ctx context.Context, q ledger.EventQuery) ([]*quota.ConfigEvent, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, quota.Invalidf("time range end is before start")
	}
	return r.store.ListEvents(ctx, q)
}
