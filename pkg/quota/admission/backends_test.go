package admission

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/tokenquota/pkg/quota/ledger"
)

// ledgerBackend opens an empty ledger. path names a fresh file for the
// SQLite backends and is ignored by the others.
type ledgerBackend struct {
	name string
	open func(path string) (ledger.Store, error)
}

// ledgerBackends lists the backends the controller tests run against.
// Builds with the integration tag add postgres when DATABASE_URL is set.
var ledgerBackends = []ledgerBackend{
	{"memory", func(string) (ledger.Store, error) { return ledger.NewMemoryStore(), nil }},
	{"sqlite", sqliteBackend("sqlite")},
	{"sqlite3", sqliteBackend("sqlite3")},
}

func sqliteBackend(driver string) func(string) (ledger.Store, error) {
	return func(path string) (ledger.Store, error) {
		return ledger.Open(ledger.Config{Backend: driver, DSN: path, BusyTimeout: 5 * time.Second}, nil)
	}
}

// ledgerFiles hands out distinct file names inside one directory.
type ledgerFiles struct {
	dir string
	n   atomic.Int64
}

func (f *ledgerFiles) next() string {
	return filepath.Join(f.dir, fmt.Sprintf("ledger-%d.db", f.n.Add(1)))
}

// forEachBackend runs fn once per ledger backend as a subtest. Backends
// whose driver is not compiled in are skipped.
func forEachBackend(t *testing.T, fn func(t *testing.T, b ledgerBackend, files *ledgerFiles)) {
	for _, b := range ledgerBackends {
		t.Run(b.name, func(t *testing.T) {
			files := &ledgerFiles{dir: t.TempDir()}
			s, err := b.open(files.next())
			if err != nil {
				if strings.Contains(err.Error(), "cgo") || strings.Contains(err.Error(), "CGO_ENABLED") {
					t.Skipf("%s driver unavailable: %v", b.name, err)
				}
				t.Fatalf("failed to open %s ledger: %v", b.name, err)
			}
			_ = s.Close()
			fn(t, b, files)
		})
	}
}

// openBackend opens a fresh ledger closed at the end of t.
func openBackend(t *testing.T, b ledgerBackend, files *ledgerFiles) ledger.Store {
	t.Helper()
	s, err := b.open(files.next())
	if err != nil {
		t.Fatalf("failed to open %s ledger: %v", b.name, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
