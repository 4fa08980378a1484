// Package accountant measures consumption against budgets and decides
// whether a candidate chain can admit an estimate.
//
// Consumption is never stored as a counter. It is the sum of committed
// usage charged to the scope inside the window, plus the estimates of
// reservations that are still open. Both reads run inside the caller's
// ledger transaction so the decision and the reservation that follows it
// are atomic.
package accountant

import (
	"context"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/quota/policy"
)

// Evaluate measures one candidate at now.
//
// used counts records charged to the candidate's scope in
// [now - window, now], starting no earlier than the actor's last reset for
// member and personal scopes. The candidate admits when it is unlimited or
// when used + reserved + estimate <= limit, computed without overflow.
func Evaluate(ctx context.Context, tx ledger.Tx, c quota.Candidate, estimate int64, now time.Time) (quota.Evaluation, error) {
	window := c.Window
	if window <= 0 {
		window = quota.DefaultWindow
	}
	since := now.Add(-window)

	if c.Scope.Resettable() && c.Scope.ActorID != "" {
		last, ok, err := tx.LastReset(ctx, c.Scope.ActorID)
		if err != nil {
			return quota.Evaluation{}, err
		}
		if ok && last.After(since) {
			since = last
		}
	}

	used, err := tx.ScopeUsage(ctx, c.Scope.Key, since, now)
	if err != nil {
		return quota.Evaluation{}, err
	}
	reserved, err := tx.ReservedTokens(ctx, c.Scope.Key, now)
	if err != nil {
		return quota.Evaluation{}, err
	}

	ev := quota.Evaluation{
		Candidate: c,
		Used:      used,
		Reserved:  reserved,
		Limit:     c.Limit,
		Remaining: c.Limit.Remaining(quota.AddTokens(used, reserved)),
	}
	ev.Admit = c.Limit.Fits(used, reserved, estimate)
	return ev, nil
}

// Outcome is the verdict on a whole chain.
type Outcome struct {
	Admit bool

	// Charge is the first gate of the admitting tier, the group pool when
	// one is configured, carrying the role of any role gate in the tier.
	// Its charge source and role are recorded on the reservation.
	Charge quota.Candidate

	// ScopeKeys are the keys of every gate in the admitting tier.
	ScopeKeys []string

	// Binding is the evaluation with the least headroom in the admitting
	// tier, or the first denying evaluation when nothing admits.
	Binding quota.Evaluation

	// Denial describes the first denying gate when nothing admits.
	Denial *quota.QuotaExceededError

	// Evaluations lists every gate examined, in chain order.
	Evaluations []quota.Evaluation
}

// EvaluateChain evaluates tiers in order. A tier admits when all of its
// gates admit; the first admitting tier is charged. Later tiers are not
// evaluated once a tier admits.
func EvaluateChain(ctx context.Context, tx ledger.Tx, chain *policy.Chain, estimate int64, now time.Time) (*Outcome, error) {
	out := &Outcome{}

	for _, tier := range chain.Tiers() {
		admit := true
		var binding *quota.Evaluation

		for _, cand := range tier {
			ev, err := Evaluate(ctx, tx, cand, estimate, now)
			if err != nil {
				return nil, err
			}
			out.Evaluations = append(out.Evaluations, ev)

			if !ev.Admit {
				if admit && out.Denial == nil {
					out.Denial = &quota.QuotaExceededError{
						Candidate: cand,
						Used:      ev.Used,
						Reserved:  ev.Reserved,
						Estimate:  estimate,
						Limit:     cand.Limit,
					}
					out.Binding = ev
				}
				admit = false
				continue
			}
			if binding == nil || tighter(ev, *binding) {
				e := ev
				binding = &e
			}
		}

		if !admit {
			continue
		}

		out.Admit = true
		out.Denial = nil
		out.Charge = tier[0]
		for _, cand := range tier[1:] {
			if cand.Role != "" {
				out.Charge.Role = cand.Role
			}
		}
		out.Binding = *binding
		out.ScopeKeys = make([]string, 0, len(tier))
		for _, cand := range tier {
			out.ScopeKeys = append(out.ScopeKeys, cand.Scope.Key)
		}
		return out, nil
	}

	return out, nil
}

// tighter reports whether a leaves less headroom than b. Ties go to the
// later, more specific gate.
func tighter(a, b quota.Evaluation) bool {
	if a.Limit.IsUnlimited() {
		return b.Limit.IsUnlimited()
	}
	if b.Limit.IsUnlimited() {
		return true
	}
	return a.Remaining <= b.Remaining
}
