// Package telemetry groups the observability packages of the quota engine.
//
// # Components
//
//   - logging: log/slog setup with request-scoped fields
//   - metrics: Prometheus collectors for admissions, reservations, policy
//     reloads and expiry sweeps
//   - tracing: OpenTelemetry tracing with an OTLP/gRPC exporter
//   - health: liveness, readiness and version handlers
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging))
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	defer tracer.Shutdown(ctx)
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("ledger", health.LedgerCheck(store))
//
// Each component is optional. A disabled collector or tracer is a no-op.
package telemetry
