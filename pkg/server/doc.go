// Package server exposes the quota engine over HTTP.
//
// # Routes
//
//	POST   /v1/reservations                          reserve an estimate
//	POST   /v1/reservations/{id}/commit              commit actual usage
//	POST   /v1/reservations/{id}/release             release unused
//	GET    /v1/usage?actor=&group=&model=&roles=     budget usage
//	GET    /v1/statistics?from=&to=&actor=&top=      analytics report
//	GET    /v1/audit?kind=&entity_type=&entity=      configuration changes
//	PUT    /v1/admin/actors/{actor}/limits           personal limit
//	POST   /v1/admin/actors/{actor}/reset            reset personal windows
//	PUT    /v1/admin/defaults                        default user limit
//	PUT    /v1/admin/groups/{group}/pool             group pool
//	PUT    /v1/admin/groups/{group}/member-limit     per-member limit
//	PUT    /v1/admin/groups/{group}/roles/{role}     role limit
//	PUT    /v1/admin/groups/{group}/bypasses/{actor} add bypass
//	DELETE /v1/admin/groups/{group}/bypasses/{actor} remove bypass
//
// Health endpoints and the Prometheus endpoint are mounted at the paths
// configured under telemetry.
//
// # Status codes
//
// A denied reservation answers 429 with the decision in the body. Engine
// errors map to 400 (invalid request), 403 (no quota configured under
// fail-closed), 404 (unknown handle), 409 (reservation already closed)
// and 503 (ledger unavailable). Admin mutations answer 204 and record the
// X-Operator header in the audit trail.
//
// With server.auth enabled every /v1/admin route requires an admin key
// (Authorization: Bearer, or X-API-Key) and answers 401 without one. The
// key's operator then replaces X-Operator.
//
// # Usage
//
//	srv := server.New(cfg, server.Deps{
//	    Controller: ctrl,
//	    Reporter:   analytics.NewReporter(store, logger),
//	    Health:     checker,
//	    Metrics:    collector,
//	    Logger:     logger,
//	})
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
