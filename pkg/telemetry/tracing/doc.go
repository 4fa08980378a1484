// Package tracing provides OpenTelemetry tracing for tokenquota.
//
// New installs an OTLP gRPC exporter and a parent-based sampler when
// tracing is enabled, and registers them as the global provider. Packages
// obtain their tracer with Named, which resolves to a noop tracer until a
// provider is installed:
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracing.Named("admission").Start(ctx, "admission.Reserve",
//	    trace.WithAttributes(tracing.RequestAttributes(req)...))
//	defer span.End()
//
// Reserve, Commit, Release and the analytics statistics query create spans
// carrying the tokenquota.* attributes defined in attributes.go.
package tracing
