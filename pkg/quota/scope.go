package quota

import "strings"

// ScopeKind classifies a budget key.
type ScopeKind string

const (
	ScopeGroupPool   ScopeKind = "group_pool"
	ScopeGroupMember ScopeKind = "group_member"
	ScopePersonal    ScopeKind = "personal"
)

// Scope is the budget key a usage record is charged against.
type Scope struct {
	Key     string    `json:"key"`
	Kind    ScopeKind `json:"kind"`
	ActorID string    `json:"actor_id,omitempty"`
	GroupID string    `json:"group_id,omitempty"`
	ModelID string    `json:"model_id,omitempty"`
}

// Resettable reports whether an actor usage reset applies to the scope.
// Group pools are shared and never reset by a single member.
func (s Scope) Resettable() bool {
	return s.Kind == ScopeGroupMember || s.Kind == ScopePersonal
}

// GroupPoolScope returns the pool scope of group, narrowed to model when set.
func GroupPoolScope(group, model string) Scope {
	key := "group:" + group
	if model != "" {
		key += "/model:" + model
	}
	return Scope{Key: key, Kind: ScopeGroupPool, GroupID: group, ModelID: model}
}

// GroupMemberScope returns the member scope of actor inside group.
func GroupMemberScope(group, actor, model string) Scope {
	key := "group:" + group + "/member:" + actor
	if model != "" {
		key += "/model:" + model
	}
	return Scope{Key: key, Kind: ScopeGroupMember, ActorID: actor, GroupID: group, ModelID: model}
}

// PersonalScope returns the personal scope of actor, narrowed to model when
// set. An empty model is the cross-model fallback pool.
func PersonalScope(actor, model string) Scope {
	key := "actor:" + actor
	if model != "" {
		key += "/model:" + model
	}
	return Scope{Key: key, Kind: ScopePersonal, ActorID: actor, ModelID: model}
}

// ParseScopeKey rebuilds a Scope from its key.
func ParseScopeKey(key string) (Scope, bool) {
	parts := strings.Split(key, "/")
	fields := make(map[string]string, len(parts))
	for _, p := range parts {
		name, value, ok := strings.Cut(p, ":")
		if !ok || value == "" {
			return Scope{}, false
		}
		fields[name] = value
	}
	switch {
	case fields["group"] != "" && fields["member"] != "":
		return GroupMemberScope(fields["group"], fields["member"], fields["model"]), true
	case fields["group"] != "":
		return GroupPoolScope(fields["group"], fields["model"]), true
	case fields["actor"] != "":
		return PersonalScope(fields["actor"], fields["model"]), true
	}
	return Scope{}, false
}
