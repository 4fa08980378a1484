package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
)

// MemoryStore implements Store in process memory. Data is lost when the
// process exits. Atomic scopes are serialized by a single mutex and rolled
// back with an undo log.
type MemoryStore struct {
	mu sync.RWMutex

	records     []*quota.UsageRecord
	recordsByID map[string]*quota.UsageRecord

	// charges maps scope key to the records charged against it.
	charges map[string][]*quota.UsageRecord

	reservations map[string]*quota.Reservation
	// reservedByScope maps scope key to reservation ids.
	reservedByScope map[string]map[string]struct{}

	events   []*quota.ConfigEvent
	policy   map[policyKey]PolicyEntry
	priority int64

	closed bool
}

type policyKey struct {
	entityType quota.EntityType
	entityID   string
	modelID    string
	field      string
	key        string
}

func keyOf(e PolicyEntry) policyKey {
	return policyKey{e.EntityType, e.EntityID, e.ModelID, e.Field, e.Key}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recordsByID:     make(map[string]*quota.UsageRecord),
		charges:         make(map[string][]*quota.UsageRecord),
		reservations:    make(map[string]*quota.Reservation),
		reservedByScope: make(map[string]map[string]struct{}),
		policy:          make(map[policyKey]PolicyEntry),
	}
}

// Backend implements Store.
func (s *MemoryStore) Backend() string { return "memory" }

// Atomic implements Store.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return quota.NewLedgerError(s.Backend(), "atomic", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return quota.NewLedgerError(s.Backend(), "atomic", errClosed)
	}

	tx := &memoryTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) ScopeUsage(_ context.Context, key string, since, until time.Time) (int64, error) {
	var total int64
	for _, r := range tx.s.charges[key] {
		if r.Timestamp.Before(since) || r.Timestamp.After(until) {
			continue
		}
		total = quota.AddTokens(total, r.TotalTokens)
	}
	return total, nil
}

func (tx *memoryTx) ReservedTokens(_ context.Context, key string, now time.Time) (int64, error) {
	var total int64
	for id := range tx.s.reservedByScope[key] {
		if r := tx.s.reservations[id]; r != nil && r.Open(now) {
			total = quota.AddTokens(total, r.Estimate)
		}
	}
	return total, nil
}

func (tx *memoryTx) LastReset(_ context.Context, actorID string) (time.Time, bool, error) {
	var last time.Time
	found := false
	for _, e := range tx.s.events {
		if e.Kind == quota.EventResetUsage && e.EntityType == quota.EntityActor && e.EntityID == actorID {
			if !found || e.Timestamp.After(last) {
				last = e.Timestamp
				found = true
			}
		}
	}
	return last, found, nil
}

func (tx *memoryTx) InsertReservation(_ context.Context, r *quota.Reservation) error {
	if _, exists := tx.s.reservations[r.ID]; exists {
		return quota.Invalidf("duplicate reservation id %s", r.ID)
	}
	stored := cloneReservation(r)
	tx.s.reservations[r.ID] = stored
	for _, key := range stored.ScopeKeys {
		ids := tx.s.reservedByScope[key]
		if ids == nil {
			ids = make(map[string]struct{})
			tx.s.reservedByScope[key] = ids
		}
		ids[r.ID] = struct{}{}
	}
	tx.undo = append(tx.undo, func() {
		delete(tx.s.reservations, stored.ID)
		for _, key := range stored.ScopeKeys {
			delete(tx.s.reservedByScope[key], stored.ID)
		}
	})
	return nil
}

func (tx *memoryTx) GetReservation(_ context.Context, id string) (*quota.Reservation, error) {
	r, ok := tx.s.reservations[id]
	if !ok {
		return nil, quota.ErrHandleNotFound
	}
	return cloneReservation(r), nil
}

func (tx *memoryTx) ResolveReservation(_ context.Context, id string, state quota.ReservationState, at time.Time, recordID string) error {
	r, ok := tx.s.reservations[id]
	if !ok {
		return quota.ErrHandleNotFound
	}
	prev := *r
	r.State = state
	r.ResolvedAt = at
	r.RecordID = recordID
	tx.undo = append(tx.undo, func() { *r = prev })
	return nil
}

func (tx *memoryTx) AppendUsage(_ context.Context, record *quota.UsageRecord) error {
	if _, exists := tx.s.recordsByID[record.ID]; exists {
		return quota.Invalidf("duplicate usage record id %s", record.ID)
	}
	stored := cloneRecord(record)
	tx.s.records = append(tx.s.records, stored)
	tx.s.recordsByID[stored.ID] = stored
	for _, key := range stored.ScopeKeys {
		tx.s.charges[key] = append(tx.s.charges[key], stored)
	}
	tx.undo = append(tx.undo, func() {
		tx.s.records = tx.s.records[:len(tx.s.records)-1]
		delete(tx.s.recordsByID, stored.ID)
		for _, key := range stored.ScopeKeys {
			list := tx.s.charges[key]
			tx.s.charges[key] = list[:len(list)-1]
		}
	})
	return nil
}

func (tx *memoryTx) GetUsageRecord(_ context.Context, id string) (*quota.UsageRecord, error) {
	r, ok := tx.s.recordsByID[id]
	if !ok {
		return nil, quota.ErrHandleNotFound
	}
	return cloneRecord(r), nil
}

func (tx *memoryTx) UpsertPolicyEntry(_ context.Context, entry PolicyEntry) error {
	k := keyOf(entry)
	prev, existed := tx.s.policy[k]
	prevPriority := tx.s.priority
	if existed {
		entry.Priority = prev.Priority
	} else if entry.Priority == 0 {
		tx.s.priority++
		entry.Priority = tx.s.priority
	}
	tx.s.policy[k] = entry
	tx.undo = append(tx.undo, func() {
		tx.s.priority = prevPriority
		if existed {
			tx.s.policy[k] = prev
		} else {
			delete(tx.s.policy, k)
		}
	})
	return nil
}

func (tx *memoryTx) AppendEvent(_ context.Context, event *quota.ConfigEvent) error {
	stored := *event
	tx.s.events = append(tx.s.events, &stored)
	tx.undo = append(tx.undo, func() {
		tx.s.events = tx.s.events[:len(tx.s.events)-1]
	})
	return nil
}

// Totals implements Store.
func (s *MemoryStore) Totals(_ context.Context, filter Filter) (*Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &Totals{}
	actors := make(map[string]struct{})
	groups := make(map[string]struct{})
	for _, r := range s.records {
		if !filter.Matches(r) {
			continue
		}
		t.Calls++
		t.PromptTokens += r.PromptTokens
		t.CompletionTokens += r.CompletionTokens
		t.TotalTokens += r.TotalTokens
		actors[r.ActorID] = struct{}{}
		if r.GroupID != "" {
			groups[r.GroupID] = struct{}{}
		}
		if t.FirstSeen.IsZero() || r.Timestamp.Before(t.FirstSeen) {
			t.FirstSeen = r.Timestamp
		}
		if r.Timestamp.After(t.LastSeen) {
			t.LastSeen = r.Timestamp
		}
	}
	t.UniqueActors = int64(len(actors))
	t.UniqueGroups = int64(len(groups))
	return t, nil
}

// Aggregate implements Store.
func (s *MemoryStore) Aggregate(_ context.Context, query AggregateQuery) ([]Bucket, error) {
	if !query.By.Valid() {
		return nil, quota.Invalidf("unknown dimension %q", query.By)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string]*Bucket)
	actors := make(map[string]map[string]struct{})
	for _, r := range s.records {
		if !query.Filter.Matches(r) {
			continue
		}
		key := dimensionValue(query.By, r)
		if key == "" {
			continue
		}
		b := buckets[key]
		if b == nil {
			b = &Bucket{Key: key}
			buckets[key] = b
			actors[key] = make(map[string]struct{})
		}
		b.Calls++
		b.PromptTokens += r.PromptTokens
		b.CompletionTokens += r.CompletionTokens
		b.TotalTokens += r.TotalTokens
		actors[key][r.ActorID] = struct{}{}
	}

	out := make([]Bucket, 0, len(buckets))
	for key, b := range buckets {
		b.UniqueActors = int64(len(actors[key]))
		out = append(out, *b)
	}
	sortBuckets(query.By, out)
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func dimensionValue(d Dimension, r *quota.UsageRecord) string {
	switch d {
	case ByActor:
		return r.ActorID
	case ByGroup:
		return r.GroupID
	case ByModel:
		return r.ModelID
	case ByChannel:
		return r.ChannelID
	case ByChargeSource:
		return string(r.ChargeSource)
	case ByDay:
		return r.Timestamp.UTC().Format(dayLayout)
	}
	return ""
}

const dayLayout = "2006-01-02"

// sortBuckets orders day series chronologically and everything else by
// total tokens descending.
func sortBuckets(d Dimension, out []Bucket) {
	sort.Slice(out, func(i, j int) bool {
		if d == ByDay {
			return out[i].Key < out[j].Key
		}
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Key < out[j].Key
	})
}

// ListRecords implements Store.
func (s *MemoryStore) ListRecords(_ context.Context, query RecordQuery) ([]*quota.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*quota.UsageRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if query.Filter.Matches(s.records[i]) {
			out = append(out, cloneRecord(s.records[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return page(out, query.Offset, query.Limit), nil
}

// ListEvents implements Store.
func (s *MemoryStore) ListEvents(_ context.Context, query EventQuery) ([]*quota.ConfigEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*quota.ConfigEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if query.Matches(s.events[i]) {
			e := *s.events[i]
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return page(out, 0, query.Limit), nil
}

// ListPolicyEntries implements Store.
func (s *MemoryStore) ListPolicyEntries(_ context.Context) ([]PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PolicyEntry, 0, len(s.policy))
	for _, e := range s.policy {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// ExpireReservations implements Store.
func (s *MemoryStore) ExpireReservations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.reservations {
		if r.State == quota.StateReserved && !now.Before(r.ExpiresAt) {
			r.State = quota.StateExpired
			r.ResolvedAt = now
			n++
		}
	}
	return n, nil
}

// PruneReservations implements Store.
func (s *MemoryStore) PruneReservations(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reservations {
		if r.State.Terminal() && r.ResolvedAt.Before(before) {
			for _, key := range r.ScopeKeys {
				delete(s.reservedByScope[key], id)
			}
			delete(s.reservations, id)
			n++
		}
	}
	return n, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return quota.NewLedgerError(s.Backend(), "ping", errClosed)
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneRecord(r *quota.UsageRecord) *quota.UsageRecord {
	c := *r
	c.ScopeKeys = append([]string(nil), r.ScopeKeys...)
	return &c
}

func cloneReservation(r *quota.Reservation) *quota.Reservation {
	c := *r
	c.ScopeKeys = append([]string(nil), r.ScopeKeys...)
	return &c
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
