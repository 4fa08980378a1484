package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/accountant"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/quota/lock"
	"mercator-hq/tokenquota/pkg/quota/policy"
	"mercator-hq/tokenquota/pkg/telemetry/logging"
	"mercator-hq/tokenquota/pkg/telemetry/tracing"
)

// Controller admits work against layered budgets.
//
// Reserve measures every gate of the resolved chain and inserts the
// reservation inside one ledger transaction, so two reserves on the same
// scope can never both see the headroom that only one of them fits in.
// Scope locks are taken around the transaction to keep concurrent
// reserves from colliding inside the database.
type Controller struct {
	ledger   ledger.Store
	policies *policy.Store
	resolver *policy.Resolver
	locker   lock.Locker
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	ttl             time.Duration
	failOpen        bool
	defaultEstimate int64
	now             func() time.Time
}

// New creates a Controller over store and policies. Requests that no policy
// covers are admitted unless WithFailOpen(false) is given.
func New(store ledger.Store, policies *policy.Store, opts ...Option) *Controller {
	c := &Controller{
		ledger:   store,
		policies: policies,
		locker:   lock.NewLocal(),
		recorder: nopRecorder{},
		ttl:      DefaultTTL,
		failOpen: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolver = policy.NewResolver(policies, policy.Options{FailOpen: c.failOpen})
	c.logger = logging.Component(c.logger, "admission")
	c.tracer = tracing.Named("admission")
	return c
}

// Reserve decides whether req may proceed and, when it may, holds its
// estimate against the charged budgets until Commit, Release or expiry.
//
// A denial is a Decision with Admit=false and a nil error. Errors are
// returned for invalid requests, for missing configuration under
// fail-closed, and for ledger failures; the latter two come with a denied
// Decision.
func (c *Controller) Reserve(ctx context.Context, req *quota.AdmissionRequest) (*quota.Decision, error) {
	if req == nil {
		return nil, quota.Invalidf("request is required")
	}
	start := time.Now()
	ctx = logging.WithRequest(ctx, req.ActorID, req.GroupID, req.ModelID)
	ctx, span := c.tracer.Start(ctx, "admission.Reserve", trace.WithAttributes(tracing.RequestAttributes(req)...))
	defer span.End()

	decision, err := c.reserve(ctx, req)

	tracing.SetDecisionAttributes(span, decision)
	tracing.SetError(span, err)
	c.recorder.RecordDecision(decision, err, time.Since(start))
	return decision, err
}

func (c *Controller) reserve(ctx context.Context, req *quota.AdmissionRequest) (*quota.Decision, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.EstimatedTokens == 0 && c.defaultEstimate > 0 {
		r := *req
		r.EstimatedTokens = c.defaultEstimate
		req = &r
	}

	chain, _, err := c.resolver.Resolve(req)
	if err != nil {
		if errors.Is(err, quota.ErrConfigurationMissing) {
			c.logger.WarnContext(ctx, "admission denied: no quota configured")
			return &quota.Decision{
				Reason: err.Error(),
				Scope:  quota.PersonalScope(req.ActorID, req.ModelID),
			}, err
		}
		return nil, err
	}

	unlock, err := c.locker.Lock(ctx, chainKeys(chain))
	if err != nil {
		return c.unavailable(ctx, req, fmt.Errorf("failed to acquire scope locks: %w", err))
	}
	defer unlock()

	now := c.now()
	var (
		outcome *accountant.Outcome
		res     *quota.Reservation
	)
	err = c.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		outcome, err = accountant.EvaluateChain(ctx, tx, chain, req.EstimatedTokens, now)
		if err != nil || !outcome.Admit {
			return err
		}

		res = &quota.Reservation{
			ID:           uuid.NewString(),
			ActorID:      req.ActorID,
			GroupID:      req.GroupID,
			ChannelID:    req.ChannelID,
			ModelID:      req.ModelID,
			ChargeSource: outcome.Charge.ChargeSource,
			ChargeRole:   outcome.Charge.Role,
			ScopeKeys:    outcome.ScopeKeys,
			Estimate:     req.EstimatedTokens,
			State:        quota.StateReserved,
			SessionID:    req.SessionID,
			CallIndex:    req.CallIndex,
			CreatedAt:    now,
			ExpiresAt:    now.Add(c.ttl),
		}
		return tx.InsertReservation(ctx, res)
	})
	if err != nil {
		return c.unavailable(ctx, req, err)
	}

	if !outcome.Admit {
		d := denial(outcome)
		c.logger.InfoContext(ctx, "admission denied",
			"scope", d.Scope.Key,
			"charge_source", d.ChargeSource,
			"used", d.Used,
			"reserved", d.Reserved,
			"limit", d.Limit.String(),
			"estimate", req.EstimatedTokens,
		)
		return d, nil
	}

	b := outcome.Binding
	d := &quota.Decision{
		Admit:        true,
		Handle:       res.ID,
		ChargeSource: res.ChargeSource,
		ChargeRole:   res.ChargeRole,
		Scope:        b.Candidate.Scope,
		Used:         b.Used,
		Reserved:     quota.AddTokens(b.Reserved, req.EstimatedTokens),
		Limit:        b.Limit,
		Remaining:    b.Limit.Remaining(quota.AddTokens(b.Used, b.Reserved, req.EstimatedTokens)),
		ExpiresAt:    res.ExpiresAt,
		Evaluations:  outcome.Evaluations,
	}
	if chain.Missing {
		d.Reason = quota.ErrConfigurationMissing.Error() + ": admitted without a budget"
		c.logger.WarnContext(ctx, "admitted request with no quota configured", "reservation", res.ID)
	} else if chain.Bypass {
		d.Reason = "member bypass"
	}

	c.logger.DebugContext(logging.WithReservation(ctx, res.ID), "reservation created",
		"charge_source", d.ChargeSource,
		"scope_keys", res.ScopeKeys,
		"estimate", res.Estimate,
		"remaining", d.Remaining,
	)
	return d, nil
}

// unavailable fails closed on ledger or lock failures.
func (c *Controller) unavailable(ctx context.Context, req *quota.AdmissionRequest, err error) (*quota.Decision, error) {
	if !errors.Is(err, quota.ErrLedgerUnavailable) {
		err = quota.NewLedgerError(c.ledger.Backend(), "reserve", err)
	}
	c.logger.ErrorContext(ctx, "admission failed closed", "error", err)
	return &quota.Decision{
		Reason: err.Error(),
		Scope:  quota.PersonalScope(req.ActorID, req.ModelID),
	}, err
}

// denial describes the first denying gate.
func denial(out *accountant.Outcome) *quota.Decision {
	d := &quota.Decision{Evaluations: out.Evaluations}
	if out.Denial == nil {
		return d
	}
	d.Reason = out.Denial.Error()
	d.Scope = out.Denial.Candidate.Scope
	d.ChargeSource = out.Denial.Candidate.ChargeSource
	d.ChargeRole = out.Denial.Candidate.Role
	d.Used = out.Denial.Used
	d.Reserved = out.Denial.Reserved
	d.Limit = out.Denial.Limit
	d.Remaining = out.Denial.Limit.Remaining(quota.AddTokens(out.Denial.Used, out.Denial.Reserved))
	return d
}

// Commit records the real usage of a reservation against the budgets it
// reserved. Committing an already committed handle returns the original
// record and charges nothing.
func (c *Controller) Commit(ctx context.Context, handle string, m quota.UsageMeasurement) (*quota.UsageRecord, error) {
	ctx = logging.WithReservation(ctx, handle)
	ctx, span := c.tracer.Start(ctx, "admission.Commit", trace.WithAttributes(attribute.String(tracing.AttrReservation, handle)))
	defer span.End()

	m = m.Normalize()
	if err := m.Validate(); err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	now := c.now()
	var (
		record    *quota.UsageRecord
		duplicate bool
	)
	err := c.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		res, err := tx.GetReservation(ctx, handle)
		if err != nil {
			return err
		}

		switch {
		case res.State == quota.StateCommitted:
			duplicate = true
			record, err = tx.GetUsageRecord(ctx, res.RecordID)
			return err
		case !res.Open(now):
			return fmt.Errorf("%w: reservation %s is %s", quota.ErrReservationClosed, handle, closedState(res, now))
		}

		record = &quota.UsageRecord{
			ID:               uuid.NewString(),
			ActorID:          res.ActorID,
			GroupID:          res.GroupID,
			ChannelID:        res.ChannelID,
			ModelID:          res.ModelID,
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
			ChargeSource:     res.ChargeSource,
			ChargeRole:       res.ChargeRole,
			ScopeKeys:        res.ScopeKeys,
			ReservationID:    res.ID,
			SessionID:        res.SessionID,
			CallIndex:        res.CallIndex,
			Timestamp:        now,
		}
		if err := tx.AppendUsage(ctx, record); err != nil {
			return err
		}
		return tx.ResolveReservation(ctx, handle, quota.StateCommitted, now, record.ID)
	})
	if err != nil {
		tracing.SetError(span, err)
		c.logger.WarnContext(ctx, "commit failed", "error", err)
		return nil, err
	}

	tracing.SetRecordAttributes(span, record)
	tracing.SetError(span, nil)
	if duplicate {
		c.logger.DebugContext(ctx, "reservation already committed", "record", record.ID)
		return record, nil
	}

	c.recorder.RecordResolution(quota.StateCommitted, record)
	c.logger.DebugContext(ctx, "usage committed",
		"record", record.ID,
		"total_tokens", record.TotalTokens,
		"charge_source", record.ChargeSource,
	)
	return record, nil
}

func closedState(res *quota.Reservation, now time.Time) quota.ReservationState {
	if res.State == quota.StateReserved && !now.Before(res.ExpiresAt) {
		return quota.StateExpired
	}
	return res.State
}

// Release discards a reservation without charging anything. Unknown and
// already resolved handles return quota.ErrHandleNotFound.
func (c *Controller) Release(ctx context.Context, handle string) error {
	ctx = logging.WithReservation(ctx, handle)
	ctx, span := c.tracer.Start(ctx, "admission.Release", trace.WithAttributes(attribute.String(tracing.AttrReservation, handle)))
	defer span.End()

	now := c.now()
	err := c.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		res, err := tx.GetReservation(ctx, handle)
		if err != nil {
			return err
		}
		if res.State.Terminal() {
			return fmt.Errorf("%w: reservation %s already %s", quota.ErrHandleNotFound, handle, res.State)
		}
		return tx.ResolveReservation(ctx, handle, quota.StateReleased, now, "")
	})
	tracing.SetError(span, err)
	if err != nil {
		return err
	}

	c.recorder.RecordResolution(quota.StateReleased, nil)
	c.logger.DebugContext(ctx, "reservation released")
	return nil
}

// GetUsage reports consumption against the budget a request with q's
// attributes would be charged, or against the first budget that would deny
// it. Nothing is reserved.
func (c *Controller) GetUsage(ctx context.Context, q quota.UsageQuery) (*quota.UsageReport, error) {
	req := &quota.AdmissionRequest{ActorID: q.ActorID, GroupID: q.GroupID, ModelID: q.ModelID, Roles: q.Roles}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	chain, err := policy.Resolve(c.policies.Snapshot(), req, policy.Options{FailOpen: true})
	if err != nil {
		return nil, err
	}
	if q.Window > 0 {
		for i := range chain.Candidates {
			chain.Candidates[i].Window = q.Window
		}
	}

	var outcome *accountant.Outcome
	err = c.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		outcome, err = accountant.EvaluateChain(ctx, tx, chain, 0, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	ev := reported(outcome)
	return &quota.UsageReport{
		ActorID:      q.ActorID,
		GroupID:      q.GroupID,
		ModelID:      q.ModelID,
		Scope:        ev.Candidate.Scope,
		ChargeSource: ev.Candidate.ChargeSource,
		Used:         ev.Used,
		Reserved:     ev.Reserved,
		Limit:        ev.Limit,
		Remaining:    ev.Remaining,
		Unlimited:    ev.Limit.IsUnlimited(),
		Window:       ev.Candidate.Window,
	}, nil
}

// reported picks the charged gate's evaluation, or the denying one.
func reported(out *accountant.Outcome) quota.Evaluation {
	if !out.Admit {
		return out.Binding
	}
	for _, ev := range out.Evaluations {
		if ev.Candidate.Scope.Key == out.Charge.Scope.Key {
			return ev
		}
	}
	return out.Binding
}

func validateRequest(req *quota.AdmissionRequest) error {
	if req == nil {
		return quota.Invalidf("request is required")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := policy.ValidID(req.ActorID); err != nil {
		return err
	}
	if err := policy.ValidID(req.ModelID); err != nil {
		return err
	}
	if req.GroupID != "" {
		if err := policy.ValidID(req.GroupID); err != nil {
			return err
		}
	}
	return nil
}

// chainKeys returns the scope keys a reservation on chain may touch.
func chainKeys(chain *policy.Chain) []string {
	keys := make([]string, 0, len(chain.Candidates))
	for _, cand := range chain.Candidates {
		keys = append(keys, cand.Scope.Key)
	}
	return keys
}
