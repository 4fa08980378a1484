package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
)

// SQLStore implements Store on database/sql. The same schema and queries
// serve SQLite (modernc.org/sqlite or mattn/go-sqlite3) and PostgreSQL
// (pgx). SQLite runs with a single connection so every Atomic scope is
// serialized; PostgreSQL uses serializable transactions retried on
// serialization failure.
type SQLStore struct {
	db         *sql.DB
	reader     *sql.DB
	d          dialect
	maxRetries int
	logger     *slog.Logger

	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once
}

// SQLConfig configures a SQL-backed ledger.
type SQLConfig struct {
	// Backend is "sqlite" (pure Go), "sqlite3" (cgo) or "postgres".
	Backend string

	// DSN is a file path for SQLite backends and a connection URL for
	// PostgreSQL.
	DSN string

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// MaxOpenConns applies to PostgreSQL only. Default: 10
	MaxOpenConns int

	// ReadConns sizes the SQLite query-only pool used by analytics reads
	// so they run beside the single writer connection. Default: 4
	ReadConns int

	// MaxRetries bounds retries of a serialization failure. Default: 5
	MaxRetries int

	// CheckpointInterval is how often SQLite truncates its WAL. Zero
	// disables the loop.
	CheckpointInterval time.Duration

	Logger *slog.Logger
}

// NewSQLStore opens the database, creates the schema, and returns the store.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	d, err := dialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger dsn cannot be empty for backend %s", d.name)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = 4
	}

	db, err := sql.Open(d.driver, d.dsn(cfg.DSN, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s ledger: %w", d.name, err)
	}

	if d.singleWriter {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}

	s, err := newSQLStore(db, d, cfg)
	if err != nil || !d.singleWriter {
		return s, err
	}

	// The schema exists by now, so the query-only pool can attach to the
	// WAL file the writer created.
	reader, err := sql.Open(d.driver, d.readerDSN(cfg.DSN, cfg.BusyTimeout))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open %s ledger reader: %w", d.name, err)
	}
	reader.SetMaxOpenConns(cfg.ReadConns)
	reader.SetMaxIdleConns(cfg.ReadConns)
	s.reader = reader
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect, cfg SQLConfig) (*SQLStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &SQLStore{
		db:                 db,
		reader:             db,
		d:                  d,
		maxRetries:         cfg.MaxRetries,
		logger:             logger.With("component", "ledger", "backend", d.name),
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	if d.singleWriter && s.checkpointInterval > 0 {
		go s.checkpointLoop()
	}
	return s, nil
}

// initSchema creates tables and records the schema version.
func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return err
	}
	if version < SchemaVersion {
		_, err = s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO schema_version (version) VALUES (?)`), SchemaVersion)
	}
	return err
}

// checkpointLoop truncates the SQLite WAL periodically.
func (s *SQLStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// Backend implements Store.
func (s *SQLStore) Backend() string { return s.d.name }

// DB exposes the underlying handle for maintenance commands.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) wrap(op string, err error) error {
	return quota.NewLedgerError(s.d.name, op, err)
}

// Atomic implements Store.
func (s *SQLStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.atomicOnce(ctx, fn)
		if err == nil || !s.d.retryable(err) {
			return err
		}

		backoff := time.Duration(attempt+1) * 5 * time.Millisecond
		s.logger.Debug("retrying ledger transaction", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return s.wrap("atomic", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return err
}

func (s *SQLStore) atomicOnce(ctx context.Context, fn func(tx Tx) error) error {
	raw, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.d.isolation})
	if err != nil {
		return s.wrap("begin", err)
	}

	if err := fn(&sqlTx{tx: raw, s: s}); err != nil {
		_ = raw.Rollback()
		return err
	}

	if err := raw.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// sqlTx implements Tx on a database/sql transaction.
type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *sqlTx) q(query string) string { return t.s.d.rebind(query) }

func (t *sqlTx) ScopeUsage(ctx context.Context, key string, since, until time.Time) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, t.q(`
		SELECT CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT) FROM usage_charges
		WHERE scope_key = ? AND created_at >= ? AND created_at <= ?`),
		key, since.UnixNano(), until.UnixNano()).Scan(&total)
	if err != nil {
		return 0, t.s.wrap("scope_usage", err)
	}
	return total, nil
}

func (t *sqlTx) ReservedTokens(ctx context.Context, key string, now time.Time) (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(ctx, t.q(`
		SELECT CAST(COALESCE(SUM(r.estimate), 0) AS BIGINT)
		FROM reservation_scopes s JOIN reservations r ON r.id = s.reservation_id
		WHERE s.scope_key = ? AND r.state = ? AND r.expires_at > ?`),
		key, string(quota.StateReserved), now.UnixNano()).Scan(&total)
	if err != nil {
		return 0, t.s.wrap("reserved_tokens", err)
	}
	return total, nil
}

func (t *sqlTx) LastReset(ctx context.Context, actorID string) (time.Time, bool, error) {
	var last sql.NullInt64
	err := t.tx.QueryRowContext(ctx, t.q(`
		SELECT MAX(created_at) FROM config_events
		WHERE kind = ? AND entity_type = ? AND entity_id = ?`),
		string(quota.EventResetUsage), string(quota.EntityActor), actorID).Scan(&last)
	if err != nil {
		return time.Time{}, false, t.s.wrap("last_reset", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, last.Int64), true, nil
}

func (t *sqlTx) InsertReservation(ctx context.Context, r *quota.Reservation) error {
	keys, err := encodeKeys(r.ScopeKeys)
	if err != nil {
		return t.s.wrap("insert_reservation", err)
	}
	_, err = t.tx.ExecContext(ctx, t.q(`
		INSERT INTO reservations (id, actor_id, group_id, channel_id, model_id, charge_source, charge_role,
			scope_keys, estimate, state, session_id, call_index, created_at, expires_at, resolved_at, record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')`),
		r.ID, r.ActorID, r.GroupID, r.ChannelID, r.ModelID, string(r.ChargeSource), r.ChargeRole,
		keys, r.Estimate, string(r.State), r.SessionID, r.CallIndex, r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano())
	if err != nil {
		return t.s.wrap("insert_reservation", err)
	}

	for _, key := range r.ScopeKeys {
		if _, err := t.tx.ExecContext(ctx, t.q(`INSERT INTO reservation_scopes (scope_key, reservation_id) VALUES (?, ?)`),
			key, r.ID); err != nil {
			return t.s.wrap("insert_reservation_scope", err)
		}
	}
	return nil
}

const reservationColumns = `id, actor_id, group_id, channel_id, model_id, charge_source, charge_role,
	scope_keys, estimate, state, session_id, call_index, created_at, expires_at, resolved_at, record_id`

func (t *sqlTx) GetReservation(ctx context.Context, id string) (*quota.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, t.q(`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`), id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quota.ErrHandleNotFound
	}
	if err != nil {
		return nil, t.s.wrap("get_reservation", err)
	}
	return r, nil
}

func (t *sqlTx) ResolveReservation(ctx context.Context, id string, state quota.ReservationState, at time.Time, recordID string) error {
	res, err := t.tx.ExecContext(ctx, t.q(`
		UPDATE reservations SET state = ?, resolved_at = ?, record_id = ? WHERE id = ?`),
		string(state), at.UnixNano(), recordID, id)
	if err != nil {
		return t.s.wrap("resolve_reservation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return quota.ErrHandleNotFound
	}
	return nil
}

func (t *sqlTx) AppendUsage(ctx context.Context, r *quota.UsageRecord) error {
	keys, err := encodeKeys(r.ScopeKeys)
	if err != nil {
		return t.s.wrap("append_usage", err)
	}
	ts := r.Timestamp.UnixNano()
	_, err = t.tx.ExecContext(ctx, t.q(`
		INSERT INTO usage_records (id, actor_id, group_id, channel_id, model_id, prompt_tokens, completion_tokens,
			total_tokens, charge_source, charge_role, scope_keys, reservation_id, session_id, call_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ActorID, r.GroupID, r.ChannelID, r.ModelID, r.PromptTokens, r.CompletionTokens,
		r.TotalTokens, string(r.ChargeSource), r.ChargeRole, keys, r.ReservationID, r.SessionID, r.CallIndex, ts)
	if err != nil {
		return t.s.wrap("append_usage", err)
	}

	for _, key := range r.ScopeKeys {
		if _, err := t.tx.ExecContext(ctx, t.q(`
			INSERT INTO usage_charges (scope_key, created_at, record_id, total_tokens) VALUES (?, ?, ?, ?)`),
			key, ts, r.ID, r.TotalTokens); err != nil {
			return t.s.wrap("append_usage_charge", err)
		}
	}
	return nil
}

const recordColumns = `id, actor_id, group_id, channel_id, model_id, prompt_tokens, completion_tokens,
	total_tokens, charge_source, charge_role, scope_keys, reservation_id, session_id, call_index, created_at`

func (t *sqlTx) GetUsageRecord(ctx context.Context, id string) (*quota.UsageRecord, error) {
	row := t.tx.QueryRowContext(ctx, t.q(`SELECT `+recordColumns+` FROM usage_records WHERE id = ?`), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quota.ErrHandleNotFound
	}
	if err != nil {
		return nil, t.s.wrap("get_usage_record", err)
	}
	return r, nil
}

func (t *sqlTx) UpsertPolicyEntry(ctx context.Context, e PolicyEntry) error {
	var existing int64
	err := t.tx.QueryRowContext(ctx, t.q(`
		SELECT priority FROM policy_entries
		WHERE entity_type = ? AND entity_id = ? AND model_id = ? AND field = ? AND entry_key = ?`),
		string(e.EntityType), e.EntityID, e.ModelID, e.Field, e.Key).Scan(&existing)
	switch {
	case err == nil:
		e.Priority = existing
	case errors.Is(err, sql.ErrNoRows):
		if e.Priority == 0 {
			if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(priority), 0) + 1 FROM policy_entries`).
				Scan(&e.Priority); err != nil {
				return t.s.wrap("upsert_policy_entry", err)
			}
		}
	default:
		return t.s.wrap("upsert_policy_entry", err)
	}

	_, err = t.tx.ExecContext(ctx, t.q(`
		INSERT INTO policy_entries (entity_type, entity_id, model_id, field, entry_key, limit_value, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, model_id, field, entry_key) DO UPDATE SET
			limit_value = excluded.limit_value,
			updated_at = excluded.updated_at`),
		string(e.EntityType), e.EntityID, e.ModelID, e.Field, e.Key, e.Value, e.Priority, e.UpdatedAt.UnixNano())
	if err != nil {
		return t.s.wrap("upsert_policy_entry", err)
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, e *quota.ConfigEvent) error {
	_, err := t.tx.ExecContext(ctx, t.q(`
		INSERT INTO config_events (id, kind, entity_type, entity_id, model_id, event_key, event_value, operator, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Kind), string(e.EntityType), e.EntityID, e.ModelID, e.Key, e.Value, e.Operator, e.Detail,
		e.Timestamp.UnixNano())
	if err != nil {
		return t.s.wrap("append_event", err)
	}
	return nil
}

// buildWhereClause builds a WHERE clause for usage record filters.
func buildWhereClause(f Filter) (string, []any) {
	var conditions []string
	var args []any

	if f.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.GroupID != "" {
		conditions = append(conditions, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.ChannelID != "" {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if f.ModelID != "" {
		conditions = append(conditions, "model_id = ?")
		args = append(args, f.ModelID)
	}
	if f.ChargeSource != "" {
		conditions = append(conditions, "charge_source = ?")
		args = append(args, string(f.ChargeSource))
	}
	if !f.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, f.To.UnixNano())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// Totals implements Store.
func (s *SQLStore) Totals(ctx context.Context, filter Filter) (*Totals, error) {
	where, args := buildWhereClause(filter)
	query := `SELECT COUNT(*), CAST(COALESCE(SUM(prompt_tokens), 0) AS BIGINT), CAST(COALESCE(SUM(completion_tokens), 0) AS BIGINT),
		CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT), COUNT(DISTINCT actor_id), COUNT(DISTINCT NULLIF(group_id, '')),
		MIN(created_at), MAX(created_at)
		FROM usage_records` + where

	t := &Totals{}
	var first, last sql.NullInt64
	err := s.reader.QueryRowContext(ctx, s.d.rebind(query), args...).Scan(
		&t.Calls, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens,
		&t.UniqueActors, &t.UniqueGroups, &first, &last)
	if err != nil {
		return nil, s.wrap("totals", err)
	}
	if first.Valid {
		t.FirstSeen = time.Unix(0, first.Int64)
	}
	if last.Valid {
		t.LastSeen = time.Unix(0, last.Int64)
	}
	return t, nil
}

func (s *SQLStore) dimensionExpr(d Dimension) (string, error) {
	switch d {
	case ByActor:
		return "actor_id", nil
	case ByGroup:
		return "group_id", nil
	case ByModel:
		return "model_id", nil
	case ByChannel:
		return "channel_id", nil
	case ByChargeSource:
		return "charge_source", nil
	case ByDay:
		return s.d.dayExpr("created_at"), nil
	}
	return "", quota.Invalidf("unknown dimension %q", d)
}

// Aggregate implements Store.
func (s *SQLStore) Aggregate(ctx context.Context, query AggregateQuery) ([]Bucket, error) {
	expr, err := s.dimensionExpr(query.By)
	if err != nil {
		return nil, err
	}

	where, args := buildWhereClause(query.Filter)
	if where == "" {
		where = " WHERE "
	} else {
		where += " AND "
	}
	where += expr + " <> ''"

	order := " ORDER BY 5 DESC, 1 ASC"
	if query.By == ByDay {
		order = " ORDER BY 1 ASC"
	}

	stmt := `SELECT ` + expr + `, COUNT(*), CAST(COALESCE(SUM(prompt_tokens), 0) AS BIGINT), CAST(COALESCE(SUM(completion_tokens), 0) AS BIGINT),
		CAST(COALESCE(SUM(total_tokens), 0) AS BIGINT), COUNT(DISTINCT actor_id)
		FROM usage_records` + where + ` GROUP BY 1` + order
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, s.d.rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap("aggregate", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Calls, &b.PromptTokens, &b.CompletionTokens, &b.TotalTokens, &b.UniqueActors); err != nil {
			return nil, s.wrap("aggregate", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("aggregate", err)
	}
	return out, nil
}

// ListRecords implements Store.
func (s *SQLStore) ListRecords(ctx context.Context, query RecordQuery) ([]*quota.UsageRecord, error) {
	where, args := buildWhereClause(query.Filter)
	stmt := `SELECT ` + recordColumns + ` FROM usage_records` + where + ` ORDER BY created_at DESC, id DESC`
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
		if query.Offset > 0 {
			stmt += fmt.Sprintf(" OFFSET %d", query.Offset)
		}
	}

	rows, err := s.reader.QueryContext(ctx, s.d.rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap("list_records", err)
	}
	defer rows.Close()

	var out []*quota.UsageRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.wrap("list_records", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list_records", err)
	}
	if query.Limit <= 0 && query.Offset > 0 {
		out = page(out, query.Offset, 0)
	}
	return out, nil
}

// ListEvents implements Store.
func (s *SQLStore) ListEvents(ctx context.Context, query EventQuery) ([]*quota.ConfigEvent, error) {
	var conditions []string
	var args []any
	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(query.Kind))
	}
	if query.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(query.EntityType))
	}
	if query.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, query.EntityID)
	}
	if !query.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, query.From.UnixNano())
	}
	if !query.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, query.To.UnixNano())
	}

	stmt := `SELECT id, kind, entity_type, entity_id, model_id, event_key, event_value, operator, detail, created_at
		FROM config_events`
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id DESC"
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, s.d.rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap("list_events", err)
	}
	defer rows.Close()

	var out []*quota.ConfigEvent
	for rows.Next() {
		var e quota.ConfigEvent
		var kind, entityType string
		var ts int64
		if err := rows.Scan(&e.ID, &kind, &entityType, &e.EntityID, &e.ModelID, &e.Key, &e.Value,
			&e.Operator, &e.Detail, &ts); err != nil {
			return nil, s.wrap("list_events", err)
		}
		e.Kind = quota.EventKind(kind)
		e.EntityType = quota.EntityType(entityType)
		e.Timestamp = time.Unix(0, ts)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list_events", err)
	}
	return out, nil
}

// ListPolicyEntries implements Store.
func (s *SQLStore) ListPolicyEntries(ctx context.Context) ([]PolicyEntry, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT entity_type, entity_id, model_id, field, entry_key, limit_value, priority, updated_at
		FROM policy_entries ORDER BY priority ASC`)
	if err != nil {
		return nil, s.wrap("list_policy_entries", err)
	}
	defer rows.Close()

	var out []PolicyEntry
	for rows.Next() {
		var e PolicyEntry
		var entityType string
		var updated int64
		if err := rows.Scan(&entityType, &e.EntityID, &e.ModelID, &e.Field, &e.Key, &e.Value, &e.Priority, &updated); err != nil {
			return nil, s.wrap("list_policy_entries", err)
		}
		e.EntityType = quota.EntityType(entityType)
		e.UpdatedAt = time.Unix(0, updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list_policy_entries", err)
	}
	return out, nil
}

// ExpireReservations implements Store.
func (s *SQLStore) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE reservations SET state = ?, resolved_at = ?
		WHERE state = ? AND expires_at <= ?`),
		string(quota.StateExpired), now.UnixNano(), string(quota.StateReserved), now.UnixNano())
	if err != nil {
		return 0, s.wrap("expire_reservations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("expire_reservations", err)
	}
	return int(n), nil
}

// PruneReservations implements Store.
func (s *SQLStore) PruneReservations(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap("prune_reservations", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixNano()
	reserved := string(quota.StateReserved)
	if _, err := tx.ExecContext(ctx, s.d.rebind(`
		DELETE FROM reservation_scopes WHERE reservation_id IN (
			SELECT id FROM reservations WHERE state <> ? AND resolved_at < ?)`), reserved, cutoff); err != nil {
		return 0, s.wrap("prune_reservations", err)
	}
	res, err := tx.ExecContext(ctx, s.d.rebind(`
		DELETE FROM reservations WHERE state <> ? AND resolved_at < ?`), reserved, cutoff)
	if err != nil {
		return 0, s.wrap("prune_reservations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("prune_reservations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.wrap("prune_reservations", err)
	}
	return int(n), nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

// Close implements Store.
func (s *SQLStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.reader != s.db {
			if rerr := s.reader.Close(); rerr != nil {
				s.logger.Debug("ledger reader close failed", "error", rerr)
			}
		}
		err = s.db.Close()
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*quota.UsageRecord, error) {
	var r quota.UsageRecord
	var source, keys string
	var ts int64
	if err := row.Scan(&r.ID, &r.ActorID, &r.GroupID, &r.ChannelID, &r.ModelID, &r.PromptTokens,
		&r.CompletionTokens, &r.TotalTokens, &source, &r.ChargeRole, &keys, &r.ReservationID,
		&r.SessionID, &r.CallIndex, &ts); err != nil {
		return nil, err
	}
	r.ChargeSource = quota.ChargeSource(source)
	r.Timestamp = time.Unix(0, ts)
	var err error
	r.ScopeKeys, err = decodeKeys(keys)
	return &r, err
}

func scanReservation(row rowScanner) (*quota.Reservation, error) {
	var r quota.Reservation
	var source, keys, state string
	var created, expires, resolved int64
	if err := row.Scan(&r.ID, &r.ActorID, &r.GroupID, &r.ChannelID, &r.ModelID, &source, &r.ChargeRole,
		&keys, &r.Estimate, &state, &r.SessionID, &r.CallIndex, &created, &expires, &resolved, &r.RecordID); err != nil {
		return nil, err
	}
	r.ChargeSource = quota.ChargeSource(source)
	r.State = quota.ReservationState(state)
	r.CreatedAt = time.Unix(0, created)
	r.ExpiresAt = time.Unix(0, expires)
	if resolved > 0 {
		r.ResolvedAt = time.Unix(0, resolved)
	}
	var err error
	r.ScopeKeys, err = decodeKeys(keys)
	return &r, err
}

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	return string(b), err
}

func decodeKeys(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("invalid scope keys %q: %w", s, err)
	}
	return keys, nil
}
