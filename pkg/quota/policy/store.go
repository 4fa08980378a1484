package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

// ReloadHook observes every reload attempt.
type ReloadHook func(snap *Snapshot, err error)

// Store holds the current policy snapshot. Readers load the pointer once
// per admission and never observe a partially applied reload.
type Store struct {
	path   string
	ledger ledger.Store
	logger *slog.Logger

	current atomic.Pointer[Snapshot]
	version atomic.Int64

	// mu serializes rebuilds so versions are assigned in swap order.
	mu    sync.Mutex
	hooks []ReloadHook
}

// NewStore creates a store for the policy file at path (may be empty)
// overlaid with the entries in l. Call Reload before use.
func NewStore(path string, l ledger.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		ledger: l,
		logger: logger.With("component", "policy"),
	}
	s.current.Store(Compile(nil, nil))
	return s
}

// Path returns the watched policy file.
func (s *Store) Path() string { return s.path }

// OnReload registers a hook called after every reload attempt.
func (s *Store) OnReload(hook ReloadHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Loaded reports whether at least one reload succeeded.
func (s *Store) Loaded() bool {
	return s.version.Load() > 0
}

// Reload re-reads the policy file and ledger entries, swaps the snapshot,
// and records a policy_reload event. On error the previous snapshot stays
// in place.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	snap, err := s.rebuild(ctx)
	if err != nil {
		return nil, err
	}

	event := &quota.ConfigEvent{
		ID:         uuid.NewString(),
		Kind:       quota.EventPolicyReload,
		EntityType: quota.EntityDefault,
		EntityID:   "policy",
		Value:      snap.Version,
		Operator:   "system",
		Detail:     fmt.Sprintf("source=%s overrides=%d", sourceName(snap.Source), snap.Overrides),
		Timestamp:  snap.LoadedAt,
	}
	if err := s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		return tx.AppendEvent(ctx, event)
	}); err != nil {
		s.logger.Warn("failed to record policy reload event", "error", err)
	}
	return snap, nil
}

// Refresh rebuilds the snapshot after an administrative change. The change
// itself is already audited, so no reload event is written.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	return s.rebuild(ctx)
}

func (s *Store) rebuild(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	snap, err := s.compile(ctx)
	if err != nil {
		s.logger.Error("policy reload failed", "path", s.path, "error", err)
		s.notify(nil, err)
		return nil, err
	}

	snap.Version = s.version.Add(1)
	s.current.Store(snap)

	s.logger.Info("policy loaded",
		"version", snap.Version,
		"path", s.path,
		"overrides", snap.Overrides,
		"duration", time.Since(start),
	)
	s.notify(snap, nil)
	return snap, nil
}

func (s *Store) compile(ctx context.Context) (*Snapshot, error) {
	var doc *Document
	if s.path != "" {
		var err error
		if doc, err = LoadDocument(s.path); err != nil {
			return nil, err
		}
	}

	entries, err := s.ledger.ListPolicyEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy overrides: %w", err)
	}

	snap := Compile(doc, entries)
	snap.Source = s.path
	return snap, nil
}

func (s *Store) notify(snap *Snapshot, err error) {
	for _, hook := range s.hooks {
		hook(snap, err)
	}
}

func sourceName(path string) string {
	if path == "" {
		return "ledger"
	}
	return path
}

// Resolver resolves requests against a Store's current snapshot.
type Resolver struct {
	store *Store
	opts  Options
}

// NewResolver creates a resolver.
func NewResolver(store *Store, opts Options) *Resolver {
	return &Resolver{store: store, opts: opts}
}

// Resolve loads the current snapshot once and resolves req against it.
func (r *Resolver) Resolve(req *quota.AdmissionRequest) (*Chain, *Snapshot, error) {
	snap := r.store.Snapshot()
	chain, err := Resolve(snap, req, r.opts)
	return chain, snap, err
}

// FailOpen reports whether uncovered requests are admitted.
func (r *Resolver) FailOpen() bool { return r.opts.FailOpen }
