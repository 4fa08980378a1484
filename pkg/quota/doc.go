// Package quota defines the shared domain model of the token-quota engine.
//
// # Overview
//
// The engine decides, for each LLM invocation attributed to an actor (and
// optionally a group) against a model, whether the work may proceed and which
// budget it is charged against. Budgets are layered:
//
//   - group pool (per model, or across all models)
//   - group member limit, or the first matching role limit
//   - personal fallback (model override, fallback pool, model default)
//   - unlimited bypass
//
// Consumption is never stored as a counter. It is always derived from the
// append-only usage ledger by summing records charged to a scope key inside
// the budget's time window.
//
// # Architecture
//
// The package holds types and errors only. Behaviour lives in sub-packages:
//
//   - ledger: durable store for usage records, reservations, policy overrides
//     and configuration-change events (memory, SQLite, PostgreSQL)
//   - policy: policy documents, atomic snapshots, and the candidate resolver
//   - accountant: window sums and admit/deny evaluation
//   - admission: Reserve/Commit/Release lifecycle and administrative mutations
//   - analytics: read-only usage aggregation
//   - lock: per-scope locking (in-process or Redis)
//   - sweeper: scheduled reservation expiry
//
// # Usage
//
//	decision, err := controller.Reserve(ctx, quota.AdmissionRequest{
//	    ActorID: "42",
//	    GroupID: "guild-1",
//	    ModelID: "gpt-4o",
//	    Roles:   []string{"vip"},
//	    EstimatedTokens: 800,
//	})
//	if err != nil || !decision.Admit {
//	    return decision.Reason
//	}
//	// ... call the model ...
//	record, err := controller.Commit(ctx, decision.Handle, quota.UsageMeasurement{
//	    PromptTokens: 500, CompletionTokens: 250,
//	})
package quota
