package ledger

// SchemaVersion is the current ledger schema version.
const SchemaVersion = 1

// schemaStatements creates the ledger schema. The statements are portable
// across SQLite and PostgreSQL: timestamps are unix nanoseconds in BIGINT
// columns and optional ids are stored as empty strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version BIGINT NOT NULL
	)`,

	// Append-only usage facts.
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		prompt_tokens BIGINT NOT NULL,
		completion_tokens BIGINT NOT NULL,
		total_tokens BIGINT NOT NULL,
		charge_source TEXT NOT NULL,
		charge_role TEXT NOT NULL DEFAULT '',
		scope_keys TEXT NOT NULL DEFAULT '[]',
		reservation_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		call_index BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_actor ON usage_records(actor_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_group ON usage_records(group_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_records_model ON usage_records(model_id, created_at)`,

	// One row per (record, budget) for window sums.
	`CREATE TABLE IF NOT EXISTS usage_charges (
		scope_key TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		record_id TEXT NOT NULL,
		total_tokens BIGINT NOT NULL,
		PRIMARY KEY (scope_key, created_at, record_id)
	)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL,
		charge_source TEXT NOT NULL,
		charge_role TEXT NOT NULL DEFAULT '',
		scope_keys TEXT NOT NULL DEFAULT '[]',
		estimate BIGINT NOT NULL,
		state TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		call_index BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		resolved_at BIGINT NOT NULL DEFAULT 0,
		record_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_state_expiry ON reservations(state, expires_at)`,

	`CREATE TABLE IF NOT EXISTS reservation_scopes (
		scope_key TEXT NOT NULL,
		reservation_id TEXT NOT NULL,
		PRIMARY KEY (scope_key, reservation_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservation_scopes_reservation ON reservation_scopes(reservation_id)`,

	// Administrative policy overrides keyed by (entity, model, field, key).
	`CREATE TABLE IF NOT EXISTS policy_entries (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		field TEXT NOT NULL,
		entry_key TEXT NOT NULL DEFAULT '',
		limit_value BIGINT NOT NULL,
		priority BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, model_id, field, entry_key)
	)`,

	`CREATE TABLE IF NOT EXISTS config_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		model_id TEXT NOT NULL DEFAULT '',
		event_key TEXT NOT NULL DEFAULT '',
		event_value BIGINT NOT NULL DEFAULT 0,
		operator TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_config_events_entity ON config_events(kind, entity_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_config_events_created ON config_events(created_at)`,
}
