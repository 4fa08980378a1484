// Package logging builds the service's structured logger.
//
// New returns a standard *slog.Logger, so components depend on log/slog
// only. The handler adds request_id, actor, group, model and reservation
// from the context to every record logged with a *Context method:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json", RedactSecrets: true})
//	ctx = logging.WithRequest(ctx, "alice", "eng", "gpt-4")
//	logger.InfoContext(ctx, "reservation created", "estimate", 200)
//
// With RedactSecrets, passwords inside connection strings, bearer tokens
// and values under keys such as "password" or "token" are masked:
//
//	postgres://quota:secret@db/quota -> postgres://quota:***@db/quota
package logging
