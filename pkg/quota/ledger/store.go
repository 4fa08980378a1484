package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var errClosed = errors.New("ledger closed")

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Tx    = (*memoryTx)(nil)
	_ Tx    = (*sqlTx)(nil)
)

// Config selects and configures a ledger backend.
type Config struct {
	// Backend is "memory", "sqlite", "sqlite3" or "postgres". When empty it
	// is inferred from DSN: postgres:// URLs select postgres, any other
	// non-empty DSN selects sqlite, and an empty DSN selects memory.
	Backend string

	DSN                string
	BusyTimeout        time.Duration
	MaxOpenConns       int
	MaxRetries         int
	CheckpointInterval time.Duration
}

// Open returns the ledger described by cfg.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = inferBackend(cfg.DSN)
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		return NewSQLStore(SQLConfig{
			Backend:            backend,
			DSN:                cfg.DSN,
			BusyTimeout:        cfg.BusyTimeout,
			MaxOpenConns:       cfg.MaxOpenConns,
			MaxRetries:         cfg.MaxRetries,
			CheckpointInterval: cfg.CheckpointInterval,
			Logger:             logger,
		})
	}
	return nil, fmt.Errorf("unsupported ledger backend %q", backend)
}

func inferBackend(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	}
	return "sqlite"
}
