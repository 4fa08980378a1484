package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "github.com/mattn/go-sqlite3"     // registers the "sqlite3" driver (cgo)
	_ "modernc.org/sqlite"              // registers the "sqlite" driver (pure Go)
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	// name is the backend name reported by Store.Backend.
	name string

	// driver is the database/sql driver name.
	driver string

	// numbered switches "?" placeholders to "$1, $2, ...".
	numbered bool

	// singleWriter limits the pool to one connection, which serializes
	// every transaction.
	singleWriter bool

	// isolation is the level requested for Atomic scopes.
	isolation sql.IsolationLevel

	// dayExpr renders a created_at column (unix nanoseconds) as YYYY-MM-DD.
	dayExpr func(col string) string
}

var (
	dialectSQLite = dialect{
		name:         "sqlite",
		driver:       "sqlite",
		singleWriter: true,
		isolation:    sql.LevelDefault,
		dayExpr:      sqliteDay,
	}

	dialectSQLite3 = dialect{
		name:         "sqlite3",
		driver:       "sqlite3",
		singleWriter: true,
		isolation:    sql.LevelDefault,
		dayExpr:      sqliteDay,
	}

	dialectPostgres = dialect{
		name:      "postgres",
		driver:    "pgx",
		numbered:  true,
		isolation: sql.LevelSerializable,
		dayExpr: func(col string) string {
			return fmt.Sprintf("to_char(to_timestamp(%s / 1000000000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD')", col)
		},
	}
)

func sqliteDay(col string) string {
	return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s / 1000000000, 'unixepoch')", col)
}

// dialectFor returns the dialect registered under backend.
func dialectFor(backend string) (dialect, error) {
	switch backend {
	case "sqlite":
		return dialectSQLite, nil
	case "sqlite3":
		return dialectSQLite3, nil
	case "postgres", "postgresql", "pgx":
		return dialectPostgres, nil
	}
	return dialect{}, fmt.Errorf("unsupported ledger backend %q", backend)
}

// rebind rewrites "?" placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// dsn builds the connection string for file-backed dialects.
func (d dialect) dsn(path string, busyTimeout time.Duration) string {
	ms := busyTimeout.Milliseconds()
	switch d.name {
	case "sqlite":
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
			strings.TrimPrefix(path, "file:"), ms)
	case "sqlite3":
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
			strings.TrimPrefix(path, "file:"), ms)
	}
	return path
}

// readerDSN builds the connection string for the query-only pool that
// serves analytics reads. WAL lets it read while the writer holds a
// transaction.
func (d dialect) readerDSN(path string, busyTimeout time.Duration) string {
	ms := busyTimeout.Milliseconds()
	switch d.name {
	case "sqlite":
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=query_only(1)",
			strings.TrimPrefix(path, "file:"), ms)
	case "sqlite3":
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_query_only=1",
			strings.TrimPrefix(path, "file:"), ms)
	}
	return path
}

// retryable reports whether a failed Atomic scope may be retried.
func (d dialect) retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	if d.singleWriter {
		msg := err.Error()
		return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
	}
	return false
}
