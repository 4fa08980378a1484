/*
Package auth authenticates the administrative API with static keys.

Each key maps to an operator id. The middleware resolves the key from the
request, rejects unknown or disabled keys through a caller-supplied DenyFunc,
and stores the matched KeyInfo in the request context:

	validator := auth.FromConfig(cfg.Server.Auth)
	mw := auth.NewMiddleware(validator, auth.DefaultSources, writeErr, logger)
	r.With(mw.Handle).Put("/v1/admin/defaults", setDefault)

Handlers read the operator with GetKeyInfo. Keys are compared in constant
time.
*/
package auth
