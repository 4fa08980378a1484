package policy

import (
	"fmt"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
)

// Options control resolution of requests that no policy covers.
type Options struct {
	// FailOpen admits uncovered requests as unlimited (marked Missing)
	// instead of returning quota.ErrConfigurationMissing.
	FailOpen bool
}

// Chain is the ordered list of budget gates for one request. Gates sharing
// a Tier must all admit; tiers are tried in order.
type Chain struct {
	Candidates []quota.Candidate

	// Missing is set when the chain was synthesised under fail-open.
	Missing bool

	// Bypass is set when the actor is a member bypass of the group.
	Bypass bool
}

// Tiers splits the chain into its tiers, preserving order.
func (c *Chain) Tiers() [][]quota.Candidate {
	var tiers [][]quota.Candidate
	for i, cand := range c.Candidates {
		if i == 0 || cand.Tier != c.Candidates[i-1].Tier {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], cand)
	}
	return tiers
}

// Resolve builds the candidate chain for req against snap.
//
// With a group the first tier is the group tier: a bypass short-circuits to
// a single unlimited gate on the pool; otherwise the pool gate is followed
// by the member gate (first configured role the actor holds, else the
// member limit). The personal tier follows, charged as user_fallback, when
// the actor has a personal limit. Without a group, or when the group has
// no gates, only the personal tier applies.
func Resolve(snap *Snapshot, req *quota.AdmissionRequest, opts Options) (*Chain, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		snap = Compile(nil, nil)
	}
	r := resolver{doc: snap.doc, req: req}

	chain := &Chain{}
	if req.GroupID != "" {
		if cand, ok := r.bypass(); ok {
			chain.Bypass = true
			chain.Candidates = []quota.Candidate{cand}
			return chain, nil
		}

		group := r.groupTier()
		if len(group) > 0 {
			chain.Candidates = group
			if personal, ok := r.personal(1, true); ok {
				chain.Candidates = append(chain.Candidates, personal)
			}
			return chain, nil
		}
	}

	if personal, ok := r.personal(0, false); ok {
		chain.Candidates = []quota.Candidate{personal}
		return chain, nil
	}

	if !opts.FailOpen {
		return nil, fmt.Errorf("%w: no limit configured for actor %s on model %s",
			quota.ErrConfigurationMissing, req.ActorID, req.ModelID)
	}
	chain.Missing = true
	chain.Candidates = []quota.Candidate{{
		Scope:        quota.PersonalScope(req.ActorID, req.ModelID),
		ChargeSource: quota.ChargeUnlimited,
		Limit:        quota.Unlimited,
		Window:       r.window(0),
		Missing:      true,
	}}
	return chain, nil
}

type resolver struct {
	doc *Document
	req *quota.AdmissionRequest
}

// defaults returns the model's default policy and then the wildcard.
func (r resolver) defaults() []*DefaultPolicy {
	var out []*DefaultPolicy
	if dp := r.doc.Defaults[r.req.ModelID]; dp != nil {
		out = append(out, dp)
	}
	if dp := r.doc.Defaults[WildcardModel]; dp != nil {
		out = append(out, dp)
	}
	return out
}

// window resolves the entity window through the default chain.
func (r resolver) window(entity Window) time.Duration {
	if entity > 0 {
		return entity.Duration()
	}
	for _, dp := range r.defaults() {
		if dp.TimeWindow > 0 {
			return dp.TimeWindow.Duration()
		}
	}
	if r.doc.TimeWindow > 0 {
		return r.doc.TimeWindow.Duration()
	}
	return quota.DefaultWindow
}

func (r resolver) bypass() (quota.Candidate, bool) {
	gp := r.doc.Groups[r.req.GroupID]
	if gp == nil || !gp.bypasses(r.req.ActorID) {
		return quota.Candidate{}, false
	}

	model := ""
	if gm := gp.Models[r.req.ModelID]; gm != nil && gm.Pool != nil {
		model = r.req.ModelID
	}
	return quota.Candidate{
		Scope:        quota.GroupPoolScope(r.req.GroupID, model),
		ChargeSource: quota.ChargeUnlimited,
		Limit:        quota.Unlimited,
		Window:       r.window(gp.TimeWindow),
	}, true
}

// groupTier returns the pool gate followed by the member gate, when either
// is configured.
func (r resolver) groupTier() []quota.Candidate {
	gp := r.doc.Groups[r.req.GroupID]
	group, actor, model := r.req.GroupID, r.req.ActorID, r.req.ModelID

	var entityWindow Window
	var gm *GroupModelPolicy
	if gp != nil {
		entityWindow = gp.TimeWindow
		gm = gp.Models[model]
	}
	window := r.window(entityWindow)

	var tier []quota.Candidate
	gate := func(scope quota.Scope, source quota.ChargeSource, role string, limit quota.Limit) {
		if limit.IsUnlimited() {
			source = quota.ChargeUnlimited
		}
		tier = append(tier, quota.Candidate{
			Scope:        scope,
			ChargeSource: source,
			Role:         role,
			Limit:        limit,
			Window:       window,
		})
	}

	switch {
	case gm != nil && gm.Pool != nil:
		gate(quota.GroupPoolScope(group, model), quota.ChargeGroupPool, "", *gm.Pool)
	case gp != nil && gp.TokenPool != nil:
		gate(quota.GroupPoolScope(group, ""), quota.ChargeGroupPool, "", *gp.TokenPool)
	default:
		for _, dp := range r.defaults() {
			if dp.GroupLimit != nil {
				gate(quota.GroupPoolScope(group, model), quota.ChargeGroupPool, "", *dp.GroupLimit)
				break
			}
		}
	}

	if gp == nil {
		return tier
	}

	for _, rl := range gp.RoleLimits {
		if r.req.HasRole(rl.Role) {
			gate(quota.GroupMemberScope(group, actor, ""), quota.ChargeGroupMember, rl.Role, rl.Limit)
			return tier
		}
	}
	switch {
	case gm != nil && gm.MemberLimit != nil:
		gate(quota.GroupMemberScope(group, actor, model), quota.ChargeGroupMember, "", *gm.MemberLimit)
	case gp.MemberLimit != nil:
		gate(quota.GroupMemberScope(group, actor, ""), quota.ChargeGroupMember, "", *gp.MemberLimit)
	}
	return tier
}

// personal resolves the actor's own budget: model override, then fallback
// pool, then the default user limit. afterGroup charges every personal
// budget as user_fallback.
func (r resolver) personal(tier int, afterGroup bool) (quota.Candidate, bool) {
	actor, model := r.req.ActorID, r.req.ModelID
	ap := r.doc.Actors[actor]

	var entityWindow Window
	if ap != nil {
		entityWindow = ap.TimeWindow
	}

	build := func(scope quota.Scope, source quota.ChargeSource, limit quota.Limit) (quota.Candidate, bool) {
		if afterGroup {
			source = quota.ChargeUserFallback
		}
		if limit.IsUnlimited() {
			source = quota.ChargeUnlimited
		}
		return quota.Candidate{
			Scope:        scope,
			ChargeSource: source,
			Limit:        limit,
			Window:       r.window(entityWindow),
			Tier:         tier,
		}, true
	}

	if ap != nil {
		if limit, ok := ap.Models[model]; ok {
			return build(quota.PersonalScope(actor, model), quota.ChargeUserPool, limit)
		}
		if ap.FallbackPool != nil {
			return build(quota.PersonalScope(actor, ""), quota.ChargeUserFallback, *ap.FallbackPool)
		}
	}
	for _, dp := range r.defaults() {
		if dp.UserLimit != nil {
			return build(quota.PersonalScope(actor, model), quota.ChargeUserPool, *dp.UserLimit)
		}
	}
	return quota.Candidate{}, false
}
