package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
)

// storeFactory returns a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) Store

// runStoreSuite runs the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"ScopeUsageWindow", testScopeUsageWindow},
		{"ReservedTokens", testReservedTokens},
		{"AtomicRollback", testAtomicRollback},
		{"ResolveReservation", testResolveReservation},
		{"UnknownHandles", testUnknownHandles},
		{"LastReset", testLastReset},
		{"PolicyEntries", testPolicyEntries},
		{"TotalsAndAggregate", testTotalsAndAggregate},
		{"DailySeries", testDailySeries},
		{"ListRecords", testListRecords},
		{"ListEvents", testListEvents},
		{"ExpireAndPrune", testExpireAndPrune},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id, actor, group, model string, total int64, at time.Time, keys ...string) *quota.UsageRecord {
	return &quota.UsageRecord{
		ID:               id,
		ActorID:          actor,
		GroupID:          group,
		ModelID:          model,
		PromptTokens:     total / 2,
		CompletionTokens: total - total/2,
		TotalTokens:      total,
		ChargeSource:     quota.ChargeUserPool,
		ScopeKeys:        keys,
		Timestamp:        at,
	}
}

func reservation(id string, estimate int64, expires time.Time, keys ...string) *quota.Reservation {
	return &quota.Reservation{
		ID:           id,
		ActorID:      "alice",
		ModelID:      "gpt-4",
		ChargeSource: quota.ChargeUserPool,
		ScopeKeys:    keys,
		Estimate:     estimate,
		State:        quota.StateReserved,
		CreatedAt:    base,
		ExpiresAt:    expires,
	}
}

func mustAtomic(t *testing.T, s Store, fn func(tx Tx) error) {
	t.Helper()
	if err := s.Atomic(context.Background(), fn); err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}
}

func appendRecords(t *testing.T, s Store, records ...*quota.UsageRecord) {
	t.Helper()
	mustAtomic(t, s, func(tx Tx) error {
		for _, r := range records {
			if err := tx.AppendUsage(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func testScopeUsageWindow(t *testing.T, s Store) {
	ctx := context.Background()
	appendRecords(t, s,
		record("r1", "alice", "", "gpt-4", 100, base.Add(-48*time.Hour), "actor:alice/model:gpt-4"),
		record("r2", "alice", "", "gpt-4", 200, base.Add(-time.Hour), "actor:alice/model:gpt-4"),
		record("r3", "alice", "eng", "gpt-4", 50, base, "group:eng/model:gpt-4", "group:eng/member:alice/model:gpt-4"),
	)

	mustAtomic(t, s, func(tx Tx) error {
		used, err := tx.ScopeUsage(ctx, "actor:alice/model:gpt-4", base.Add(-24*time.Hour), base)
		if err != nil {
			return err
		}
		if used != 200 {
			t.Errorf("Expected 200 tokens in window, got %d", used)
		}

		used, err = tx.ScopeUsage(ctx, "actor:alice/model:gpt-4", time.Time{}, base)
		if err != nil {
			return err
		}
		if used != 300 {
			t.Errorf("Expected 300 tokens over all time, got %d", used)
		}

		// Both keys of a multi-budget record are charged.
		for _, key := range []string{"group:eng/model:gpt-4", "group:eng/member:alice/model:gpt-4"} {
			used, err = tx.ScopeUsage(ctx, key, base.Add(-time.Minute), base)
			if err != nil {
				return err
			}
			if used != 50 {
				t.Errorf("Expected 50 tokens on %s, got %d", key, used)
			}
		}

		used, err = tx.ScopeUsage(ctx, "actor:bob/model:gpt-4", time.Time{}, base)
		if err != nil {
			return err
		}
		if used != 0 {
			t.Errorf("Expected 0 for unknown scope, got %d", used)
		}
		return nil
	})
}

func testReservedTokens(t *testing.T, s Store) {
	ctx := context.Background()
	key := "actor:alice/model:gpt-4"
	mustAtomic(t, s, func(tx Tx) error {
		if err := tx.InsertReservation(ctx, reservation("h1", 300, base.Add(time.Minute), key)); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, reservation("h2", 500, base.Add(-time.Second), key))
	})

	mustAtomic(t, s, func(tx Tx) error {
		reserved, err := tx.ReservedTokens(ctx, key, base)
		if err != nil {
			return err
		}
		if reserved != 300 {
			t.Errorf("Expected expired reservation to be excluded (300), got %d", reserved)
		}

		reserved, err = tx.ReservedTokens(ctx, key, base.Add(time.Minute))
		if err != nil {
			return err
		}
		if reserved != 0 {
			t.Errorf("Expected 0 reserved at expiry instant, got %d", reserved)
		}
		return nil
	})
}

func testAtomicRollback(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	key := "actor:alice/model:gpt-4"

	err := s.Atomic(ctx, func(tx Tx) error {
		if err := tx.AppendUsage(ctx, record("r1", "alice", "", "gpt-4", 100, base, key)); err != nil {
			return err
		}
		if err := tx.InsertReservation(ctx, reservation("h1", 10, base.Add(time.Minute), key)); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &quota.ConfigEvent{ID: "e1", Kind: quota.EventResetUsage,
			EntityType: quota.EntityActor, EntityID: "alice", Timestamp: base}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	mustAtomic(t, s, func(tx Tx) error {
		used, err := tx.ScopeUsage(ctx, key, time.Time{}, base.Add(time.Hour))
		if err != nil {
			return err
		}
		if used != 0 {
			t.Errorf("Expected rolled back usage to be 0, got %d", used)
		}
		if _, err := tx.GetReservation(ctx, "h1"); !errors.Is(err, quota.ErrHandleNotFound) {
			t.Errorf("Expected rolled back reservation to be missing, got %v", err)
		}
		if _, ok, err := tx.LastReset(ctx, "alice"); err != nil || ok {
			t.Errorf("Expected no reset after rollback, got ok=%v err=%v", ok, err)
		}
		return nil
	})
}

func testResolveReservation(t *testing.T, s Store) {
	ctx := context.Background()
	key := "actor:alice/model:gpt-4"
	mustAtomic(t, s, func(tx Tx) error {
		return tx.InsertReservation(ctx, reservation("h1", 300, base.Add(time.Minute), key))
	})

	mustAtomic(t, s, func(tx Tx) error {
		if err := tx.AppendUsage(ctx, record("r1", "alice", "", "gpt-4", 150, base, key)); err != nil {
			return err
		}
		return tx.ResolveReservation(ctx, "h1", quota.StateCommitted, base, "r1")
	})

	mustAtomic(t, s, func(tx Tx) error {
		r, err := tx.GetReservation(ctx, "h1")
		if err != nil {
			return err
		}
		if r.State != quota.StateCommitted {
			t.Errorf("Expected state committed, got %s", r.State)
		}
		if r.RecordID != "r1" {
			t.Errorf("Expected record id r1, got %q", r.RecordID)
		}
		if !r.ResolvedAt.Equal(base) {
			t.Errorf("Expected resolved at %v, got %v", base, r.ResolvedAt)
		}
		if len(r.ScopeKeys) != 1 || r.ScopeKeys[0] != key {
			t.Errorf("Expected scope keys [%s], got %v", key, r.ScopeKeys)
		}

		reserved, err := tx.ReservedTokens(ctx, key, base)
		if err != nil {
			return err
		}
		if reserved != 0 {
			t.Errorf("Expected committed reservation to release its estimate, got %d", reserved)
		}

		rec, err := tx.GetUsageRecord(ctx, "r1")
		if err != nil {
			return err
		}
		if rec.TotalTokens != 150 || rec.PromptTokens != 75 {
			t.Errorf("Expected 150 total / 75 prompt, got %d / %d", rec.TotalTokens, rec.PromptTokens)
		}
		return nil
	})
}

func testUnknownHandles(t *testing.T, s Store) {
	ctx := context.Background()
	mustAtomic(t, s, func(tx Tx) error {
		if _, err := tx.GetReservation(ctx, "missing"); !errors.Is(err, quota.ErrHandleNotFound) {
			t.Errorf("Expected ErrHandleNotFound from GetReservation, got %v", err)
		}
		if err := tx.ResolveReservation(ctx, "missing", quota.StateReleased, base, ""); !errors.Is(err, quota.ErrHandleNotFound) {
			t.Errorf("Expected ErrHandleNotFound from ResolveReservation, got %v", err)
		}
		if _, err := tx.GetUsageRecord(ctx, "missing"); !errors.Is(err, quota.ErrHandleNotFound) {
			t.Errorf("Expected ErrHandleNotFound from GetUsageRecord, got %v", err)
		}
		return nil
	})
}

func testLastReset(t *testing.T, s Store) {
	ctx := context.Background()
	mustAtomic(t, s, func(tx Tx) error {
		for i, at := range []time.Time{base.Add(-time.Hour), base, base.Add(-2 * time.Hour)} {
			if err := tx.AppendEvent(ctx, &quota.ConfigEvent{
				ID:         fmt.Sprintf("e%d", i),
				Kind:       quota.EventResetUsage,
				EntityType: quota.EntityActor,
				EntityID:   "alice",
				Timestamp:  at,
			}); err != nil {
				return err
			}
		}
		// Other event kinds never count as resets.
		return tx.AppendEvent(ctx, &quota.ConfigEvent{ID: "e9", Kind: quota.EventSetActorLimit,
			EntityType: quota.EntityActor, EntityID: "alice", Timestamp: base.Add(time.Hour)})
	})

	mustAtomic(t, s, func(tx Tx) error {
		last, ok, err := tx.LastReset(ctx, "alice")
		if err != nil {
			return err
		}
		if !ok || !last.Equal(base) {
			t.Errorf("Expected last reset %v, got %v (ok=%v)", base, last, ok)
		}

		if _, ok, err := tx.LastReset(ctx, "bob"); err != nil || ok {
			t.Errorf("Expected no reset for bob, got ok=%v err=%v", ok, err)
		}
		return nil
	})
}

func testPolicyEntries(t *testing.T, s Store) {
	ctx := context.Background()
	mustAtomic(t, s, func(tx Tx) error {
		for _, e := range []PolicyEntry{
			{EntityType: quota.EntityGroup, EntityID: "eng", Field: FieldRoleLimit, Key: "admin", Value: 5000, UpdatedAt: base},
			{EntityType: quota.EntityGroup, EntityID: "eng", Field: FieldRoleLimit, Key: "intern", Value: 100, UpdatedAt: base},
			{EntityType: quota.EntityActor, EntityID: "alice", ModelID: "gpt-4", Field: FieldModelLimit, Value: 1000, UpdatedAt: base},
		} {
			if err := tx.UpsertPolicyEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	// Updating an entry keeps its position.
	mustAtomic(t, s, func(tx Tx) error {
		return tx.UpsertPolicyEntry(ctx, PolicyEntry{EntityType: quota.EntityGroup, EntityID: "eng",
			Field: FieldRoleLimit, Key: "admin", Value: 9000, UpdatedAt: base.Add(time.Hour)})
	})

	entries, err := s.ListPolicyEntries(ctx)
	if err != nil {
		t.Fatalf("ListPolicyEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Key != "admin" || entries[0].Value != 9000 {
		t.Errorf("Expected admin=9000 first, got %s=%d", entries[0].Key, entries[0].Value)
	}
	if !entries[0].UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected updated_at to move, got %v", entries[0].UpdatedAt)
	}
	if entries[1].Key != "intern" {
		t.Errorf("Expected intern second, got %s", entries[1].Key)
	}
	if entries[2].Field != FieldModelLimit || entries[2].ModelID != "gpt-4" {
		t.Errorf("Expected model limit third, got %+v", entries[2])
	}
}

func testTotalsAndAggregate(t *testing.T, s Store) {
	ctx := context.Background()
	appendRecords(t, s,
		record("r1", "alice", "eng", "gpt-4", 100, base),
		record("r2", "bob", "eng", "gpt-4", 300, base.Add(time.Minute)),
		record("r3", "alice", "", "claude", 50, base.Add(2*time.Minute)),
		record("r4", "carol", "ops", "claude", 500, base.Add(3*time.Minute)),
	)

	totals, err := s.Totals(ctx, Filter{})
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals.Calls != 4 || totals.TotalTokens != 950 {
		t.Errorf("Expected 4 calls / 950 tokens, got %d / %d", totals.Calls, totals.TotalTokens)
	}
	if totals.UniqueActors != 3 || totals.UniqueGroups != 2 {
		t.Errorf("Expected 3 actors / 2 groups, got %d / %d", totals.UniqueActors, totals.UniqueGroups)
	}
	if !totals.FirstSeen.Equal(base) || !totals.LastSeen.Equal(base.Add(3*time.Minute)) {
		t.Errorf("Unexpected first/last seen: %v / %v", totals.FirstSeen, totals.LastSeen)
	}

	filtered, err := s.Totals(ctx, Filter{ActorID: "alice"})
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if filtered.TotalTokens != 150 {
		t.Errorf("Expected 150 tokens for alice, got %d", filtered.TotalTokens)
	}

	empty, err := s.Totals(ctx, Filter{ActorID: "nobody"})
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if empty.Calls != 0 || !empty.FirstSeen.IsZero() {
		t.Errorf("Expected empty totals, got %+v", empty)
	}

	byActor, err := s.Aggregate(ctx, AggregateQuery{By: ByActor, Limit: 2})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("Expected 2 buckets, got %d", len(byActor))
	}
	if byActor[0].Key != "carol" || byActor[1].Key != "bob" {
		t.Errorf("Expected carol then bob, got %s then %s", byActor[0].Key, byActor[1].Key)
	}

	// Records without a group are left out of the group breakdown.
	byGroup, err := s.Aggregate(ctx, AggregateQuery{By: ByGroup})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(byGroup) != 2 {
		t.Fatalf("Expected 2 group buckets, got %d", len(byGroup))
	}
	if byGroup[0].Key != "ops" || byGroup[1].Key != "eng" || byGroup[1].UniqueActors != 2 {
		t.Errorf("Unexpected group buckets: %+v", byGroup)
	}

	byModel, err := s.Aggregate(ctx, AggregateQuery{By: ByModel, Filter: Filter{GroupID: "eng"}})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(byModel) != 1 || byModel[0].Key != "gpt-4" || byModel[0].Calls != 2 {
		t.Errorf("Unexpected model buckets: %+v", byModel)
	}

	if _, err := s.Aggregate(ctx, AggregateQuery{By: "weekday"}); !errors.Is(err, quota.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for unknown dimension, got %v", err)
	}
}

func testDailySeries(t *testing.T, s Store) {
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	appendRecords(t, s,
		record("r1", "alice", "", "gpt-4", 500, day.Add(50*time.Hour)),
		record("r2", "alice", "", "gpt-4", 10, day.Add(time.Hour)),
		record("r3", "bob", "", "gpt-4", 20, day.Add(23*time.Hour)),
		record("r4", "bob", "", "gpt-4", 30, day.Add(25*time.Hour)),
	)

	buckets, err := s.Aggregate(ctx, AggregateQuery{By: ByDay})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	want := []struct {
		key   string
		total int64
	}{
		{"2026-03-01", 30},
		{"2026-03-02", 30},
		{"2026-03-03", 500},
	}
	if len(buckets) != len(want) {
		t.Fatalf("Expected %d days, got %d: %+v", len(want), len(buckets), buckets)
	}
	for i, w := range want {
		if buckets[i].Key != w.key || buckets[i].TotalTokens != w.total {
			t.Errorf("Day %d: expected %s=%d, got %s=%d", i, w.key, w.total, buckets[i].Key, buckets[i].TotalTokens)
		}
	}
}

func testListRecords(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		appendRecords(t, s, record(fmt.Sprintf("r%d", i), "alice", "", "gpt-4", int64(i+1), base.Add(time.Duration(i)*time.Minute)))
	}

	records, err := s.ListRecords(ctx, RecordQuery{Limit: 2})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "r4" || records[1].ID != "r3" {
		t.Errorf("Expected newest first [r4 r3], got %v", recordIDs(records))
	}

	records, err = s.ListRecords(ctx, RecordQuery{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "r2" {
		t.Errorf("Expected second page [r2 r1], got %v", recordIDs(records))
	}

	records, err = s.ListRecords(ctx, RecordQuery{Filter: Filter{From: base.Add(3 * time.Minute)}})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records from cutoff, got %v", recordIDs(records))
	}
}

func recordIDs(records []*quota.UsageRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func testListEvents(t *testing.T, s Store) {
	ctx := context.Background()
	mustAtomic(t, s, func(tx Tx) error {
		events := []*quota.ConfigEvent{
			{ID: "e1", Kind: quota.EventSetActorLimit, EntityType: quota.EntityActor, EntityID: "alice",
				ModelID: "gpt-4", Value: 1000, Operator: "admin", Timestamp: base},
			{ID: "e2", Kind: quota.EventSetGroupPoolLimit, EntityType: quota.EntityGroup, EntityID: "eng",
				Value: -1, Operator: "admin", Timestamp: base.Add(time.Minute)},
			{ID: "e3", Kind: quota.EventResetUsage, EntityType: quota.EntityActor, EntityID: "alice",
				Operator: "ops", Detail: "new billing cycle", Timestamp: base.Add(2 * time.Minute)},
		}
		for _, e := range events {
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	all, err := s.ListEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "e3" {
		t.Fatalf("Expected 3 events newest first, got %d", len(all))
	}
	if all[0].Detail != "new billing cycle" || all[0].Operator != "ops" {
		t.Errorf("Expected detail and operator to round trip, got %+v", all[0])
	}
	if all[2].ModelID != "gpt-4" || all[2].Value != 1000 {
		t.Errorf("Expected model and value to round trip, got %+v", all[2])
	}

	alice, err := s.ListEvents(ctx, EventQuery{EntityID: "alice", Kind: quota.EventSetActorLimit})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(alice) != 1 || alice[0].ID != "e1" {
		t.Errorf("Expected [e1], got %d events", len(alice))
	}

	limited, err := s.ListEvents(ctx, EventQuery{Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 event, got %d", len(limited))
	}
}

func testExpireAndPrune(t *testing.T, s Store) {
	ctx := context.Background()
	key := "actor:alice/model:gpt-4"
	mustAtomic(t, s, func(tx Tx) error {
		if err := tx.InsertReservation(ctx, reservation("live", 10, base.Add(time.Hour), key)); err != nil {
			return err
		}
		if err := tx.InsertReservation(ctx, reservation("stale", 20, base.Add(-time.Minute), key)); err != nil {
			return err
		}
		if err := tx.InsertReservation(ctx, reservation("done", 30, base.Add(time.Hour), key)); err != nil {
			return err
		}
		return tx.ResolveReservation(ctx, "done", quota.StateReleased, base.Add(-2*time.Hour), "")
	})

	n, err := s.ExpireReservations(ctx, base)
	if err != nil {
		t.Fatalf("ExpireReservations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired reservation, got %d", n)
	}

	mustAtomic(t, s, func(tx Tx) error {
		r, err := tx.GetReservation(ctx, "stale")
		if err != nil {
			return err
		}
		if r.State != quota.StateExpired {
			t.Errorf("Expected stale reservation to be expired, got %s", r.State)
		}
		return nil
	})

	pruned, err := s.PruneReservations(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneReservations failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned reservation, got %d", pruned)
	}

	mustAtomic(t, s, func(tx Tx) error {
		if _, err := tx.GetReservation(ctx, "done"); !errors.Is(err, quota.ErrHandleNotFound) {
			t.Errorf("Expected pruned reservation to be gone, got %v", err)
		}
		if _, err := tx.GetReservation(ctx, "live"); err != nil {
			t.Errorf("Expected live reservation to survive, got %v", err)
		}
		reserved, err := tx.ReservedTokens(ctx, key, base)
		if err != nil {
			return err
		}
		if reserved != 10 {
			t.Errorf("Expected 10 reserved, got %d", reserved)
		}
		return nil
	})
}
