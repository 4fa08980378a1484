package ledger

import (
	"context"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
)

// Store is the durable ledger. Implementations must be safe for concurrent
// use. All mutation happens through Atomic so that check-then-charge runs
// inside one serializable scope.
type Store interface {
	// Atomic runs fn inside one serializable scope. If fn returns an error
	// the scope is rolled back.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Totals returns overall sums for records matching filter.
	Totals(ctx context.Context, filter Filter) (*Totals, error)

	// Aggregate groups matching records by one dimension, ordered by total
	// tokens descending.
	Aggregate(ctx context.Context, query AggregateQuery) ([]Bucket, error)

	// ListRecords returns matching records, newest first.
	ListRecords(ctx context.Context, query RecordQuery) ([]*quota.UsageRecord, error)

	// ListEvents returns configuration-change events, newest first.
	ListEvents(ctx context.Context, query EventQuery) ([]*quota.ConfigEvent, error)

	// ListPolicyEntries returns every administrative policy override in
	// priority order.
	ListPolicyEntries(ctx context.Context) ([]PolicyEntry, error)

	// ExpireReservations marks reserved rows past their expiry as expired.
	ExpireReservations(ctx context.Context, now time.Time) (int, error)

	// PruneReservations deletes resolved reservation rows resolved before
	// the cutoff. Usage records are never pruned.
	PruneReservations(ctx context.Context, before time.Time) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Backend names the implementation ("memory", "sqlite", ...).
	Backend() string

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// Tx is the view of the ledger inside Atomic.
type Tx interface {
	// ScopeUsage sums total tokens charged to key in [since, until].
	ScopeUsage(ctx context.Context, key string, since, until time.Time) (int64, error)

	// ReservedTokens sums estimates of reservations on key that are still
	// reserved and not expired at now.
	ReservedTokens(ctx context.Context, key string, now time.Time) (int64, error)

	// LastReset returns the time of the latest usage reset for actor.
	LastReset(ctx context.Context, actorID string) (time.Time, bool, error)

	InsertReservation(ctx context.Context, r *quota.Reservation) error

	// GetReservation returns quota.ErrHandleNotFound for unknown ids.
	GetReservation(ctx context.Context, id string) (*quota.Reservation, error)

	// ResolveReservation moves a reservation to a terminal state.
	ResolveReservation(ctx context.Context, id string, state quota.ReservationState, at time.Time, recordID string) error

	AppendUsage(ctx context.Context, record *quota.UsageRecord) error

	// GetUsageRecord returns quota.ErrHandleNotFound for unknown ids.
	GetUsageRecord(ctx context.Context, id string) (*quota.UsageRecord, error)

	UpsertPolicyEntry(ctx context.Context, entry PolicyEntry) error

	AppendEvent(ctx context.Context, event *quota.ConfigEvent) error
}

// Policy entry fields.
const (
	FieldModelLimit   = "model_limit"   // actor per-model override
	FieldFallbackPool = "fallback_pool" // actor cross-model fallback
	FieldTokenPool    = "token_pool"    // group pool, per model when ModelID is set
	FieldMemberLimit  = "member_limit"  // group member limit, per model when ModelID is set
	FieldRoleLimit    = "role_limit"    // group role limit, Key is the role
	FieldBypass       = "bypass"        // group bypass, Key is the actor, Value 1 or 0
	FieldUserLimit    = "user_limit"    // default per-model user limit
	FieldGroupLimit   = "group_limit"   // default per-model group limit
)

// PolicyEntry is one administrative override in the policy table, keyed by
// (EntityType, EntityID, ModelID, Field, Key).
type PolicyEntry struct {
	EntityType quota.EntityType
	EntityID   string
	ModelID    string
	Field      string
	Key        string
	Value      int64

	// Priority orders entries of the same field; role limits use it as
	// their priority among administratively added roles.
	Priority  int64
	UpdatedAt time.Time
}

// Filter narrows analytic queries. Zero values match everything.
type Filter struct {
	ActorID      string
	GroupID      string
	ChannelID    string
	ModelID      string
	ChargeSource quota.ChargeSource
	From         time.Time
	To           time.Time
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r *quota.UsageRecord) bool {
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.GroupID != "" && r.GroupID != f.GroupID {
		return false
	}
	if f.ChannelID != "" && r.ChannelID != f.ChannelID {
		return false
	}
	if f.ModelID != "" && r.ModelID != f.ModelID {
		return false
	}
	if f.ChargeSource != "" && r.ChargeSource != f.ChargeSource {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Dimension is an aggregation axis.
type Dimension string

const (
	ByActor        Dimension = "actor"
	ByGroup        Dimension = "group"
	ByModel        Dimension = "model"
	ByChannel      Dimension = "channel"
	ByChargeSource Dimension = "charge_source"
	ByDay          Dimension = "day"
)

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case ByActor, ByGroup, ByModel, ByChannel, ByChargeSource, ByDay:
		return true
	}
	return false
}

// AggregateQuery groups records by one dimension.
type AggregateQuery struct {
	Filter Filter
	By     Dimension

	// Limit caps the number of buckets; zero means no cap.
	Limit int
}

// Bucket is one aggregation group.
type Bucket struct {
	Key              string `json:"key"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	UniqueActors     int64  `json:"unique_actors"`
}

// Totals are overall sums.
type Totals struct {
	Calls            int64     `json:"calls"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	UniqueActors     int64     `json:"unique_actors"`
	UniqueGroups     int64     `json:"unique_groups"`
	FirstSeen        time.Time `json:"first_seen,omitempty"`
	LastSeen         time.Time `json:"last_seen,omitempty"`
}

// RecordQuery lists raw records.
type RecordQuery struct {
	Filter Filter
	Limit  int
	Offset int
}

// EventQuery lists configuration-change events.
type EventQuery struct {
	Kind       quota.EventKind
	EntityType quota.EntityType
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches reports whether e passes the query.
func (q EventQuery) Matches(e *quota.ConfigEvent) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}
