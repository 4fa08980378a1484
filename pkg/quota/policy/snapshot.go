package policy

import (
	"sort"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

// Snapshot is an immutable, compiled policy: the file document with the
// ledger's administrative entries applied on top. Snapshots are never
// modified after Compile returns.
type Snapshot struct {
	doc *Document

	// Version increases with every reload of a Store.
	Version  int64
	LoadedAt time.Time

	// Source is the policy file path, empty when only ledger entries apply.
	Source string

	// Overrides counts the ledger entries applied.
	Overrides int
}

// Compile builds a snapshot from doc and entries. Entries must be in
// priority order; later entries win over earlier ones and over the file.
// A nil doc compiles to an empty policy.
func Compile(doc *Document, entries []ledger.PolicyEntry) *Snapshot {
	if doc == nil {
		doc = &Document{}
	}
	compiled := doc.clone()
	for _, e := range entries {
		compiled.apply(e)
	}
	return &Snapshot{doc: compiled, Overrides: len(entries), LoadedAt: time.Now()}
}

// apply overlays one administrative entry.
func (d *Document) apply(e ledger.PolicyEntry) {
	limit := quota.Limit(e.Value)

	switch e.EntityType {
	case quota.EntityActor:
		ap := d.actor(e.EntityID)
		switch e.Field {
		case ledger.FieldModelLimit:
			ap.Models[e.ModelID] = limit
		case ledger.FieldFallbackPool:
			ap.FallbackPool = limitPtr(limit)
		}

	case quota.EntityGroup:
		gp := d.group(e.EntityID)
		switch e.Field {
		case ledger.FieldTokenPool:
			if e.ModelID == "" {
				gp.TokenPool = limitPtr(limit)
			} else {
				gp.model(e.ModelID).Pool = limitPtr(limit)
			}
		case ledger.FieldMemberLimit:
			if e.ModelID == "" {
				gp.MemberLimit = limitPtr(limit)
			} else {
				gp.model(e.ModelID).MemberLimit = limitPtr(limit)
			}
		case ledger.FieldRoleLimit:
			gp.setRole(e.Key, limit)
		case ledger.FieldBypass:
			gp.setBypass(e.Key, e.Value != 0)
		}

	case quota.EntityDefault:
		model := e.ModelID
		if model == "" {
			model = WildcardModel
		}
		dp := d.Defaults[model]
		if dp == nil {
			dp = &DefaultPolicy{}
			d.Defaults[model] = dp
		}
		switch e.Field {
		case ledger.FieldUserLimit:
			dp.UserLimit = limitPtr(limit)
		case ledger.FieldGroupLimit:
			dp.GroupLimit = limitPtr(limit)
		}
	}
}

func (d *Document) actor(id string) *ActorPolicy {
	ap := d.Actors[id]
	if ap == nil {
		ap = &ActorPolicy{}
		d.Actors[id] = ap
	}
	if ap.Models == nil {
		ap.Models = make(map[string]quota.Limit)
	}
	return ap
}

func (d *Document) group(id string) *GroupPolicy {
	gp := d.Groups[id]
	if gp == nil {
		gp = &GroupPolicy{}
		d.Groups[id] = gp
	}
	if gp.Models == nil {
		gp.Models = make(map[string]*GroupModelPolicy)
	}
	return gp
}

func (g *GroupPolicy) model(id string) *GroupModelPolicy {
	gm := g.Models[id]
	if gm == nil {
		gm = &GroupModelPolicy{}
		g.Models[id] = gm
	}
	return gm
}

// setRole updates a role in place, keeping its priority, or appends it.
func (g *GroupPolicy) setRole(role string, limit quota.Limit) {
	for i := range g.RoleLimits {
		if g.RoleLimits[i].Role == role {
			g.RoleLimits[i].Limit = limit
			return
		}
	}
	g.RoleLimits = append(g.RoleLimits, RoleLimit{Role: role, Limit: limit})
}

func (g *GroupPolicy) setBypass(actor string, on bool) {
	for i, a := range g.MemberBypasses {
		if a == actor {
			if !on {
				g.MemberBypasses = append(g.MemberBypasses[:i], g.MemberBypasses[i+1:]...)
			}
			return
		}
	}
	if on {
		g.MemberBypasses = append(g.MemberBypasses, actor)
	}
}

func (g *GroupPolicy) bypasses(actor string) bool {
	for _, a := range g.MemberBypasses {
		if a == actor {
			return true
		}
	}
	return false
}

// Group returns a copy of the compiled group policy.
func (s *Snapshot) Group(id string) (GroupPolicy, bool) {
	gp := s.doc.Groups[id]
	if gp == nil {
		return GroupPolicy{}, false
	}
	c := *gp
	c.RoleLimits = append(RoleLimits(nil), gp.RoleLimits...)
	c.MemberBypasses = append([]string(nil), gp.MemberBypasses...)
	return c, true
}

// Actor returns a copy of the compiled actor policy.
func (s *Snapshot) Actor(id string) (ActorPolicy, bool) {
	ap := s.doc.Actors[id]
	if ap == nil {
		return ActorPolicy{}, false
	}
	c := *ap
	c.Models = make(map[string]quota.Limit, len(ap.Models))
	for m, l := range ap.Models {
		c.Models[m] = l
	}
	return c, true
}

// Models lists every model id the policy names, excluding the wildcard.
func (s *Snapshot) Models() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(m string) {
		if m != "" && m != WildcardModel && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for m := range s.doc.Defaults {
		add(m)
	}
	for _, ap := range s.doc.Actors {
		for m := range ap.Models {
			add(m)
		}
	}
	for _, gp := range s.doc.Groups {
		for m := range gp.Models {
			add(m)
		}
	}
	sort.Strings(out)
	return out
}

// Document returns a deep copy of the compiled document.
func (s *Snapshot) Document() *Document {
	return s.doc.clone()
}
