package quota

import (
	"time"
)

// ChargeSource identifies which budget a usage record was charged against.
type ChargeSource string

const (
	// ChargeGroupPool charges the group's shared pool.
	ChargeGroupPool ChargeSource = "group_pool"

	// ChargeGroupMember charges a member or role budget of a group that has
	// no pool. The role, when one matched, is carried separately as
	// ChargeRole.
	ChargeGroupMember ChargeSource = "group_member_fallback"

	// ChargeUserPool charges the actor's personal per-model budget.
	ChargeUserPool ChargeSource = "user_pool"

	// ChargeUserFallback charges the actor's personal fallback budget, either
	// the fallback pool or the personal tier reached after group exhaustion.
	ChargeUserFallback ChargeSource = "user_fallback"

	// ChargeUnlimited marks usage admitted through an unlimited budget.
	ChargeUnlimited ChargeSource = "unlimited"
)

// Valid reports whether c is a known charge source.
func (c ChargeSource) Valid() bool {
	switch c {
	case ChargeGroupPool, ChargeGroupMember, ChargeUserPool, ChargeUserFallback, ChargeUnlimited:
		return true
	}
	return false
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	StateReserved  ReservationState = "reserved"
	StateCommitted ReservationState = "committed"
	StateReleased  ReservationState = "released"
	StateExpired   ReservationState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ReservationState) Terminal() bool {
	return s == StateCommitted || s == StateReleased || s == StateExpired
}

// AdmissionRequest describes one unit of work before it starts.
type AdmissionRequest struct {
	ActorID   string   `json:"actor_id"`
	GroupID   string   `json:"group_id,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	ModelID   string   `json:"model_id"`
	Roles     []string `json:"roles,omitempty"`

	// EstimatedTokens is the provisional claim. Zero is valid when the
	// caller cannot estimate upfront.
	EstimatedTokens int64 `json:"estimated_tokens,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	CallIndex int    `json:"call_index,omitempty"`
}

// Validate checks the request for required fields.
func (r *AdmissionRequest) Validate() error {
	if r.ActorID == "" {
		return invalidf("actor_id is required")
	}
	if r.ModelID == "" {
		return invalidf("model_id is required")
	}
	if r.EstimatedTokens < 0 {
		return invalidf("estimated_tokens must be non-negative, got %d", r.EstimatedTokens)
	}
	if r.EstimatedTokens > MaxTokens {
		return invalidf("estimated_tokens must not exceed %d, got %d", MaxTokens, r.EstimatedTokens)
	}
	return nil
}

// HasRole reports whether the request carries role.
func (r *AdmissionRequest) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// UsageMeasurement is the real token usage reported after work completes.
type UsageMeasurement struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Normalize fills TotalTokens from its parts when it was left at zero.
func (m UsageMeasurement) Normalize() UsageMeasurement {
	if m.TotalTokens == 0 {
		m.TotalTokens = AddTokens(m.PromptTokens, m.CompletionTokens)
	}
	return m
}

// Validate rejects negative counts and counts above MaxTokens.
func (m UsageMeasurement) Validate() error {
	if m.PromptTokens < 0 || m.CompletionTokens < 0 || m.TotalTokens < 0 {
		return invalidf("token counts must be non-negative")
	}
	if m.PromptTokens > MaxTokens || m.CompletionTokens > MaxTokens || m.TotalTokens > MaxTokens {
		return invalidf("token counts must not exceed %d", MaxTokens)
	}
	return nil
}

// UsageRecord is an immutable fact in the usage ledger.
type UsageRecord struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	GroupID   string `json:"group_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ModelID   string `json:"model_id"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	ChargeSource ChargeSource `json:"charge_source"`
	ChargeRole   string       `json:"charge_role,omitempty"`

	// ScopeKeys lists every budget this record counts toward.
	ScopeKeys []string `json:"scope_keys"`

	ReservationID string    `json:"reservation_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	CallIndex     int       `json:"call_index,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Reservation is a provisional, time-bounded claim created by Reserve.
type Reservation struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	GroupID   string `json:"group_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ModelID   string `json:"model_id"`

	ChargeSource ChargeSource `json:"charge_source"`
	ChargeRole   string       `json:"charge_role,omitempty"`
	ScopeKeys    []string     `json:"scope_keys"`

	Estimate int64            `json:"estimate"`
	State    ReservationState `json:"state"`

	SessionID string `json:"session_id,omitempty"`
	CallIndex int    `json:"call_index,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
}

// Open reports whether the reservation still holds its estimate at now.
func (r *Reservation) Open(now time.Time) bool {
	return r.State == StateReserved && now.Before(r.ExpiresAt)
}

// Candidate is one budget gate in a resolved chain.
type Candidate struct {
	Scope        Scope         `json:"scope"`
	ChargeSource ChargeSource  `json:"charge_source"`
	Role         string        `json:"role,omitempty"`
	Limit        Limit         `json:"limit"`
	Window       time.Duration `json:"window"`

	// Tier groups gates that must all admit together. Lower tiers are
	// preferred; a denied tier falls through to the next one.
	Tier int `json:"tier"`

	// Missing marks a fail-open candidate synthesised because no policy
	// covered the model.
	Missing bool `json:"missing,omitempty"`
}

// Evaluation is the accountant's verdict on one candidate.
type Evaluation struct {
	Candidate Candidate `json:"candidate"`
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Limit     Limit     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Admit     bool      `json:"admit"`
}

// Decision is the result of Reserve.
type Decision struct {
	Admit        bool         `json:"admit"`
	Handle       string       `json:"handle,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	ChargeSource ChargeSource `json:"charge_source,omitempty"`
	ChargeRole   string       `json:"charge_role,omitempty"`
	Scope        Scope        `json:"scope"`
	Used         int64        `json:"used"`
	Reserved     int64        `json:"reserved"`
	Limit        Limit        `json:"limit"`
	Remaining    int64        `json:"remaining"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty"`

	// Evaluations lists every gate examined, in order.
	Evaluations []Evaluation `json:"evaluations,omitempty"`
}

// UsageQuery selects the budget GetUsage reports on.
type UsageQuery struct {
	ActorID string
	GroupID string
	ModelID string
	Roles   []string

	// Window overrides the budget's own window when non-zero.
	Window time.Duration
}

// UsageReport describes consumption against one budget.
type UsageReport struct {
	ActorID      string        `json:"actor_id"`
	GroupID      string        `json:"group_id,omitempty"`
	ModelID      string        `json:"model_id,omitempty"`
	Scope        Scope         `json:"scope"`
	ChargeSource ChargeSource  `json:"charge_source"`
	Used         int64         `json:"used"`
	Reserved     int64         `json:"reserved"`
	Limit        Limit         `json:"limit"`
	Remaining    int64         `json:"remaining"`
	Unlimited    bool          `json:"unlimited"`
	Window       time.Duration `json:"window"`
}

// EventKind names an administrative change recorded in the ledger.
type EventKind string

const (
	EventSetActorLimit     EventKind = "set_actor_limit"
	EventSetGroupPoolLimit EventKind = "set_group_pool_limit"
	EventSetMemberLimit    EventKind = "set_member_limit"
	EventSetRoleLimit      EventKind = "set_role_limit"
	EventSetBypass         EventKind = "set_bypass"
	EventSetDefaultLimit   EventKind = "set_default_limit"
	EventResetUsage        EventKind = "reset_usage"
	EventPolicyReload      EventKind = "policy_reload"
)

// EntityType disambiguates policy entity ids.
type EntityType string

const (
	EntityActor   EntityType = "actor"
	EntityGroup   EntityType = "group"
	EntityDefault EntityType = "default"
)

// ConfigEvent is an auditable configuration change.
type ConfigEvent struct {
	ID         string     `json:"id"`
	Kind       EventKind  `json:"kind"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ModelID    string     `json:"model_id,omitempty"`
	Key        string     `json:"key,omitempty"`
	Value      int64      `json:"value"`
	Operator   string     `json:"operator,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
