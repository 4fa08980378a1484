// Package health provides liveness and readiness endpoints for tokenquota.
//
// The liveness endpoint only reports that the process is running. The
// readiness endpoint runs every registered check concurrently, each bounded by
// the checker timeout, and answers 503 when any of them fails:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("ledger", health.LedgerCheck(store))
//	checker.RegisterCheck("policy", health.PolicyCheck(policies))
//
//	r.Get(cfg.Telemetry.Health.LivenessPath, checker.LivenessHandler())
//	r.Get(cfg.Telemetry.Health.ReadinessPath, checker.ReadinessHandler())
//
// A node is ready once the ledger answers a ping and the policy store has
// loaded at least one snapshot.
package health
