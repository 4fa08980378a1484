// Package policy loads limit policies and resolves admission requests to an
// ordered chain of budget gates.
//
// A policy is a YAML document (see Document) overlaid with administrative
// overrides stored in the ledger. The two are compiled into an immutable
// Snapshot held by a Store; a reload builds a new snapshot and swaps it in
// one atomic store, so an admission sees either the old or the new policy.
//
// # Resolution
//
// With a group, the group tier comes first. A member bypass yields one
// unlimited gate on the pool. Otherwise the pool gate (per-model pool, then
// token_pool, then the default group_limit) is followed by the member gate
// (the first listed role the actor holds, then the per-model member limit,
// then member_limit). The personal tier follows when the actor has a
// personal limit and is charged as user_fallback.
//
// Without a group: the actor's model override (user_pool), then the actor's
// fallback_pool (user_fallback), then the default user_limit (user_pool).
//
// A request nothing covers is admitted as unlimited under fail-open, or
// rejected with quota.ErrConfigurationMissing under fail-closed.
//
// Windows come from the entity, then the model default, then the "*"
// default, then the document, then 30 days.
package policy
