// Package metrics provides Prometheus metrics for tokenquota.
//
// # Metrics
//
//   - tokenquota_admission_decisions_total{result,charge_source}
//   - tokenquota_admission_denials_total{scope_kind}
//   - tokenquota_admission_duration_seconds{result}
//   - tokenquota_reservations_open
//   - tokenquota_reservations_resolved_total{state}
//   - tokenquota_tokens_committed_total{model,charge_source}
//   - tokenquota_policy_reloads_total{result}
//   - tokenquota_policy_version
//   - tokenquota_sweeper_expired_total
//   - tokenquota_sweeper_pruned_total
//   - tokenquota_sweeper_runs_total{result}
//   - tokenquota_sweeper_last_run_timestamp_seconds
//
// Actor and group ids are never used as labels. Model names are capped by
// a CardinalityLimiter and fold into "other" past the cap.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	controller := admission.New(store, resolver, locker, admission.WithRecorder(collector))
//	router.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
package metrics
