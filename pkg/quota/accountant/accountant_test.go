package accountant

import (
	"context"
	"errors"
	"testing"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
	"mercator-hq/tokenquota/pkg/quota/policy"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func charge(t *testing.T, s ledger.Store, id string, total int64, at time.Time, keys ...string) {
	t.Helper()
	err := s.Atomic(context.Background(), func(tx ledger.Tx) error {
		return tx.AppendUsage(context.Background(), &quota.UsageRecord{
			ID: id, ActorID: "alice", ModelID: "gpt-4", TotalTokens: total,
			ChargeSource: quota.ChargeUserPool, ScopeKeys: keys, Timestamp: at,
		})
	})
	if err != nil {
		t.Fatalf("failed to charge usage: %v", err)
	}
}

func evaluate(t *testing.T, s ledger.Store, c quota.Candidate, estimate int64) quota.Evaluation {
	t.Helper()
	var ev quota.Evaluation
	err := s.Atomic(context.Background(), func(tx ledger.Tx) error {
		var err error
		ev, err = Evaluate(context.Background(), tx, c, estimate, now)
		return err
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return ev
}

func personal(limit quota.Limit) quota.Candidate {
	return quota.Candidate{
		Scope:        quota.PersonalScope("alice", "gpt-4"),
		ChargeSource: quota.ChargeUserPool,
		Limit:        limit,
		Window:       30 * 24 * time.Hour,
	}
}

func TestEvaluate_Boundary(t *testing.T) {
	s := ledger.NewMemoryStore()
	key := quota.PersonalScope("alice", "gpt-4").Key
	charge(t, s, "r1", 99900, now.Add(-time.Hour), key)

	tests := []struct {
		name      string
		limit     quota.Limit
		estimate  int64
		admit     bool
		remaining int64
	}{
		{"under limit", 100000, 50, true, 100},
		{"exactly at limit", 100000, 100, true, 100},
		{"one over", 100000, 101, false, 100},
		{"zero estimate", 100000, 0, true, 100},
		{"already over", 99000, 0, false, 0},
		{"zero limit", 0, 0, false, 0},
		{"unlimited", quota.Unlimited, 1 << 40, true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evaluate(t, s, personal(tt.limit), tt.estimate)
			if ev.Admit != tt.admit {
				t.Errorf("Expected admit=%v, got %v", tt.admit, ev.Admit)
			}
			if ev.Remaining != tt.remaining {
				t.Errorf("Expected remaining %d, got %d", tt.remaining, ev.Remaining)
			}
			if ev.Used != 99900 {
				t.Errorf("Expected used 99900, got %d", ev.Used)
			}
		})
	}
}

func TestEvaluate_WindowAndReservations(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := quota.PersonalScope("alice", "gpt-4").Key

	charge(t, s, "old", 500, now.Add(-31*24*time.Hour), key)
	charge(t, s, "new", 300, now.Add(-24*time.Hour), key)

	err := s.Atomic(ctx, func(tx ledger.Tx) error {
		for _, r := range []*quota.Reservation{
			{ID: "open", ScopeKeys: []string{key}, Estimate: 200, State: quota.StateReserved, ExpiresAt: now.Add(time.Minute)},
			{ID: "expired", ScopeKeys: []string{key}, Estimate: 1000, State: quota.StateReserved, ExpiresAt: now.Add(-time.Second)},
		} {
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to insert reservations: %v", err)
	}

	ev := evaluate(t, s, personal(1000), 500)
	if ev.Used != 300 {
		t.Errorf("Expected usage outside the window to be ignored (300), got %d", ev.Used)
	}
	if ev.Reserved != 200 {
		t.Errorf("Expected only the open reservation (200), got %d", ev.Reserved)
	}
	if !ev.Admit || ev.Remaining != 500 {
		t.Errorf("Expected admit with remaining 500, got admit=%v remaining=%d", ev.Admit, ev.Remaining)
	}

	ev = evaluate(t, s, personal(1000), 501)
	if ev.Admit {
		t.Error("Expected open reservation to count against the limit")
	}
}

func TestEvaluate_Reset(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	personalKey := quota.PersonalScope("alice", "gpt-4").Key
	poolKey := quota.GroupPoolScope("eng", "").Key
	memberKey := quota.GroupMemberScope("eng", "alice", "").Key

	charge(t, s, "r1", 800, now.Add(-2*time.Hour), personalKey, poolKey, memberKey)
	err := s.Atomic(ctx, func(tx ledger.Tx) error {
		return tx.AppendEvent(ctx, &quota.ConfigEvent{ID: "reset", Kind: quota.EventResetUsage,
			EntityType: quota.EntityActor, EntityID: "alice", Timestamp: now.Add(-time.Hour)})
	})
	if err != nil {
		t.Fatalf("failed to record reset: %v", err)
	}
	charge(t, s, "r2", 100, now.Add(-time.Minute), personalKey, poolKey, memberKey)

	tests := []struct {
		name string
		cand quota.Candidate
		want int64
	}{
		{"personal scope honours reset", personal(1000), 100},
		{"member scope honours reset", quota.Candidate{Scope: quota.GroupMemberScope("eng", "alice", ""), Limit: 1000, Window: time.Hour * 24}, 100},
		{"pool is never reset", quota.Candidate{Scope: quota.GroupPoolScope("eng", ""), Limit: 1000, Window: time.Hour * 24}, 900},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ev := evaluate(t, s, tt.cand, 0); ev.Used != tt.want {
				t.Errorf("Expected used %d, got %d", tt.want, ev.Used)
			}
		})
	}
}

func groupChain(poolLimit, memberLimit, personalLimit quota.Limit) *policy.Chain {
	return &policy.Chain{Candidates: []quota.Candidate{
		{Scope: quota.GroupPoolScope("eng", ""), ChargeSource: quota.ChargeGroupPool, Limit: poolLimit, Window: time.Hour},
		{Scope: quota.GroupMemberScope("eng", "alice", ""), ChargeSource: quota.ChargeGroupMember, Role: "vip", Limit: memberLimit, Window: time.Hour},
		{Scope: quota.PersonalScope("alice", "gpt-4"), ChargeSource: quota.ChargeUserFallback, Limit: personalLimit, Window: time.Hour, Tier: 1},
	}}
}

func evaluateChain(t *testing.T, s ledger.Store, chain *policy.Chain, estimate int64) *Outcome {
	t.Helper()
	var out *Outcome
	err := s.Atomic(context.Background(), func(tx ledger.Tx) error {
		var err error
		out, err = EvaluateChain(context.Background(), tx, chain, estimate, now)
		return err
	})
	if err != nil {
		t.Fatalf("EvaluateChain failed: %v", err)
	}
	return out
}

func TestEvaluateChain_MemberOnlyTierCharged(t *testing.T) {
	s := ledger.NewMemoryStore()
	chain := &policy.Chain{Candidates: []quota.Candidate{
		{Scope: quota.GroupMemberScope("eng", "alice", ""), ChargeSource: quota.ChargeGroupMember, Limit: 500, Window: time.Hour},
	}}

	out := evaluateChain(t, s, chain, 50)
	if !out.Admit || out.Charge.ChargeSource != quota.ChargeGroupMember {
		t.Errorf("Expected member gate charged when the group has no pool, got %+v", out.Charge)
	}
}

func TestEvaluateChain_GroupTierCharged(t *testing.T) {
	s := ledger.NewMemoryStore()
	charge(t, s, "r1", 900, now.Add(-time.Minute), quota.GroupPoolScope("eng", "").Key)

	out := evaluateChain(t, s, groupChain(1000, 500, 100), 50)
	if !out.Admit {
		t.Fatal("Expected group tier to admit")
	}
	if out.Charge.ChargeSource != quota.ChargeGroupPool || out.Charge.Role != "vip" {
		t.Errorf("Expected pool charged with role vip, got %s/%s", out.Charge.ChargeSource, out.Charge.Role)
	}
	if len(out.ScopeKeys) != 2 || out.ScopeKeys[0] != "group:eng" || out.ScopeKeys[1] != "group:eng/member:alice" {
		t.Errorf("Expected pool and member keys, got %v", out.ScopeKeys)
	}
	if out.Binding.Candidate.Scope.Key != "group:eng" || out.Binding.Remaining != 100 {
		t.Errorf("Expected pool to bind with remaining 100, got %s remaining %d",
			out.Binding.Candidate.Scope.Key, out.Binding.Remaining)
	}
	if len(out.Evaluations) != 2 {
		t.Errorf("Expected personal tier not to be evaluated, got %d evaluations", len(out.Evaluations))
	}
}

func TestEvaluateChain_FallThroughToPersonal(t *testing.T) {
	s := ledger.NewMemoryStore()
	charge(t, s, "r1", 1000, now.Add(-time.Minute), quota.GroupPoolScope("eng", "").Key)

	out := evaluateChain(t, s, groupChain(1000, 500, 100), 50)
	if !out.Admit {
		t.Fatal("Expected fall through to the personal tier")
	}
	if out.Charge.ChargeSource != quota.ChargeUserFallback {
		t.Errorf("Expected user_fallback, got %s", out.Charge.ChargeSource)
	}
	if len(out.ScopeKeys) != 1 || out.ScopeKeys[0] != "actor:alice/model:gpt-4" {
		t.Errorf("Expected only the personal key, got %v", out.ScopeKeys)
	}
	if out.Denial != nil {
		t.Error("Expected no denial when a later tier admits")
	}
}

func TestEvaluateChain_MemberGateDenies(t *testing.T) {
	s := ledger.NewMemoryStore()
	charge(t, s, "r1", 500, now.Add(-time.Minute), quota.GroupMemberScope("eng", "alice", "").Key)

	out := evaluateChain(t, s, groupChain(1000, 500, 10), 50)
	if out.Admit {
		t.Fatal("Expected denial when member and personal budgets are exhausted")
	}
	if out.Denial == nil {
		t.Fatal("Expected denial details")
	}
	if out.Denial.Candidate.Scope.Key != "group:eng/member:alice" {
		t.Errorf("Expected first denying gate to be the member gate, got %s", out.Denial.Candidate.Scope.Key)
	}
	if !errors.Is(out.Denial, quota.ErrQuotaExceeded) {
		t.Error("Expected denial to match ErrQuotaExceeded")
	}
	if out.Binding.Candidate.Scope.Key != out.Denial.Candidate.Scope.Key {
		t.Errorf("Expected binding to be the denying gate, got %s", out.Binding.Candidate.Scope.Key)
	}
	if len(out.Evaluations) != 3 {
		t.Errorf("Expected all 3 gates evaluated, got %d", len(out.Evaluations))
	}
}

func TestEvaluateChain_Unlimited(t *testing.T) {
	s := ledger.NewMemoryStore()
	charge(t, s, "r1", 5000, now.Add(-time.Minute), quota.GroupPoolScope("eng", "").Key)

	chain := &policy.Chain{Bypass: true, Candidates: []quota.Candidate{
		{Scope: quota.GroupPoolScope("eng", ""), ChargeSource: quota.ChargeUnlimited, Limit: quota.Unlimited, Window: time.Hour},
	}}
	out := evaluateChain(t, s, chain, 1<<30)
	if !out.Admit || out.Charge.ChargeSource != quota.ChargeUnlimited {
		t.Fatalf("Expected unlimited admit, got %+v", out)
	}
	if out.Binding.Used != 5000 || out.Binding.Remaining != -1 {
		t.Errorf("Expected unlimited usage still accounted (5000, -1), got %d, %d", out.Binding.Used, out.Binding.Remaining)
	}
}
