// Package ledger persists usage records, reservations, administrative policy
// entries and configuration-change events.
//
// Every usage record is charged against each budget it consumed (its scope
// keys), so the sum for any budget over a window is one indexed range query.
// Reservations carry the same keys and count against every budget until they
// are committed, released or expire.
//
// # Backends
//
//   - MemoryStore: process-local, for tests and single-run tooling
//   - SQLStore on modernc.org/sqlite ("sqlite"): pure Go, the default
//   - SQLStore on mattn/go-sqlite3 ("sqlite3"): cgo build
//   - SQLStore on pgx ("postgres"): shared ledger for multi-instance deployments
//
// All mutation goes through Store.Atomic. SQLite serializes scopes through a
// single connection; PostgreSQL runs them at serializable isolation and
// retries serialization failures.
package ledger
