package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/tokenquota/pkg/quota"
	"mercator-hq/tokenquota/pkg/quota/ledger"
)

const sampleDocument = `
time_window: 7d
defaults:
  gpt-4o: {user_limit: 100000, group_limit: 500000, time_window: 30d}
  "*":    {user_limit: 50000}
actors:
  "42": {models: {gpt-4o: 200000}, fallback_pool: 300000}
  "43": {fallback_pool: unlimited}
groups:
  guild-1:
    token_pool: 1000000
    member_limit: 20000
    role_limits:
      vip: 1000000
      premium: 500000
    member_bypasses: ["7"]
    models:
      gpt-4o: {pool: 400000, member_limit: 10000}
  guild-2:
    time_window: 1d
    role_limits:
      - {role: mod, limit: unlimited}
      - {role: member, limit: 100}
`

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	return doc
}

// ==================================================================
// Document parsing
// ==================================================================

func TestParseDocument(t *testing.T) {
	doc := mustParse(t, sampleDocument)

	if doc.TimeWindow.Duration() != 7*24*time.Hour {
		t.Errorf("Expected 7d window, got %v", doc.TimeWindow.Duration())
	}
	if got := *doc.Defaults["gpt-4o"].UserLimit; got != 100000 {
		t.Errorf("Expected user_limit 100000, got %d", got)
	}
	if !doc.Actors["43"].FallbackPool.IsUnlimited() {
		t.Error("Expected actor 43 fallback pool to be unlimited")
	}

	roles := doc.Groups["guild-1"].RoleLimits
	if len(roles) != 2 || roles[0].Role != "vip" || roles[1].Role != "premium" {
		t.Errorf("Expected mapping order [vip premium], got %+v", roles)
	}

	listRoles := doc.Groups["guild-2"].RoleLimits
	if len(listRoles) != 2 || listRoles[0].Role != "mod" || !listRoles[0].Limit.IsUnlimited() {
		t.Errorf("Expected list form [mod=unlimited member=100], got %+v", listRoles)
	}
	if limit, ok := listRoles.Get("member"); !ok || limit != 100 {
		t.Errorf("Expected member=100, got %d (%v)", limit, ok)
	}
}

func TestParseDocument_JSON(t *testing.T) {
	doc := mustParse(t, `{"defaults": {"*": {"user_limit": 10}}, "groups": {"g": {"role_limits": {"b": 2, "a": 1}}}}`)
	if *doc.Defaults["*"].UserLimit != 10 {
		t.Errorf("Expected user_limit 10, got %d", *doc.Defaults["*"].UserLimit)
	}
	if roles := doc.Groups["g"].RoleLimits; roles[0].Role != "b" {
		t.Errorf("Expected JSON object order to be kept, got %+v", roles)
	}
}

func TestParseDocument_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad limit", "defaults: {gpt-4o: {user_limit: lots}}"},
		{"negative limit", "defaults: {gpt-4o: {user_limit: -5}}"},
		{"bad window", "time_window: soon"},
		{"slash in actor id", `actors: {"a/b": {fallback_pool: 1}}`},
		{"colon in group id", `groups: {"g:1": {token_pool: 1}}`},
		{"duplicate role", "groups: {g: {role_limits: [{role: a, limit: 1}, {role: a, limit: 2}]}}"},
		{"empty role", "groups: {g: {role_limits: [{role: '', limit: 1}]}}"},
		{"scalar roles", "groups: {g: {role_limits: vip}}"},
		{"malformed yaml", "defaults: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDocument([]byte(tt.src)); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestParseDocument_Empty(t *testing.T) {
	doc := mustParse(t, "")
	chain, err := Resolve(Compile(doc, nil), &quota.AdmissionRequest{ActorID: "a", ModelID: "m"}, Options{FailOpen: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !chain.Missing {
		t.Error("Expected empty policy to resolve as missing")
	}
}

func TestLoadDocument_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadDocument(filepath.Join(dir, "missing.yaml"))
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Message != "file not found" {
		t.Errorf("Expected file not found LoadError, got %v", err)
	}

	_, err = LoadDocument(dir)
	if !errors.As(err, &loadErr) {
		t.Errorf("Expected LoadError for directory, got %v", err)
	}

	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  m: {user_limit: nope}\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	_, err = LoadDocument(path)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
	if parseErr.FilePath != path {
		t.Errorf("Expected file path %s, got %s", path, parseErr.FilePath)
	}
	if parseErr.Line != 2 {
		t.Errorf("Expected line 2, got %d", parseErr.Line)
	}
}

// ==================================================================
// Resolution
// ==================================================================

type expectCandidate struct {
	key    string
	source quota.ChargeSource
	role   string
	limit  quota.Limit
	tier   int
}

func assertChain(t *testing.T, chain *Chain, want []expectCandidate) {
	t.Helper()
	if len(chain.Candidates) != len(want) {
		t.Fatalf("Expected %d candidates, got %d: %+v", len(want), len(chain.Candidates), chain.Candidates)
	}
	for i, w := range want {
		got := chain.Candidates[i]
		if got.Scope.Key != w.key {
			t.Errorf("Candidate %d: expected key %s, got %s", i, w.key, got.Scope.Key)
		}
		if got.ChargeSource != w.source {
			t.Errorf("Candidate %d: expected source %s, got %s", i, w.source, got.ChargeSource)
		}
		if got.Role != w.role {
			t.Errorf("Candidate %d: expected role %q, got %q", i, w.role, got.Role)
		}
		if got.Limit != w.limit {
			t.Errorf("Candidate %d: expected limit %s, got %s", i, w.limit, got.Limit)
		}
		if got.Tier != w.tier {
			t.Errorf("Candidate %d: expected tier %d, got %d", i, w.tier, got.Tier)
		}
	}
}

func TestResolve(t *testing.T) {
	snap := Compile(mustParse(t, sampleDocument), nil)

	tests := []struct {
		name string
		req  quota.AdmissionRequest
		want []expectCandidate
	}{
		{
			name: "actor model override",
			req:  quota.AdmissionRequest{ActorID: "42", ModelID: "gpt-4o"},
			want: []expectCandidate{{"actor:42/model:gpt-4o", quota.ChargeUserPool, "", 200000, 0}},
		},
		{
			name: "actor fallback pool",
			req:  quota.AdmissionRequest{ActorID: "42", ModelID: "claude"},
			want: []expectCandidate{{"actor:42", quota.ChargeUserFallback, "", 300000, 0}},
		},
		{
			name: "unlimited fallback pool",
			req:  quota.AdmissionRequest{ActorID: "43", ModelID: "claude"},
			want: []expectCandidate{{"actor:43", quota.ChargeUnlimited, "", quota.Unlimited, 0}},
		},
		{
			name: "model default",
			req:  quota.AdmissionRequest{ActorID: "1", ModelID: "gpt-4o"},
			want: []expectCandidate{{"actor:1/model:gpt-4o", quota.ChargeUserPool, "", 100000, 0}},
		},
		{
			name: "wildcard default",
			req:  quota.AdmissionRequest{ActorID: "1", ModelID: "claude"},
			want: []expectCandidate{{"actor:1/model:claude", quota.ChargeUserPool, "", 50000, 0}},
		},
		{
			name: "member bypass",
			req:  quota.AdmissionRequest{ActorID: "7", GroupID: "guild-1", ModelID: "claude"},
			want: []expectCandidate{{"group:guild-1", quota.ChargeUnlimited, "", quota.Unlimited, 0}},
		},
		{
			name: "member bypass on per-model pool",
			req:  quota.AdmissionRequest{ActorID: "7", GroupID: "guild-1", ModelID: "gpt-4o"},
			want: []expectCandidate{{"group:guild-1/model:gpt-4o", quota.ChargeUnlimited, "", quota.Unlimited, 0}},
		},
		{
			name: "first configured role wins",
			req:  quota.AdmissionRequest{ActorID: "1", GroupID: "guild-1", ModelID: "claude", Roles: []string{"premium", "vip"}},
			want: []expectCandidate{
				{"group:guild-1", quota.ChargeGroupPool, "", 1000000, 0},
				{"group:guild-1/member:1", quota.ChargeGroupMember, "vip", 1000000, 0},
				{"actor:1/model:claude", quota.ChargeUserFallback, "", 50000, 1},
			},
		},
		{
			name: "per-model pool and member limit",
			req:  quota.AdmissionRequest{ActorID: "42", GroupID: "guild-1", ModelID: "gpt-4o"},
			want: []expectCandidate{
				{"group:guild-1/model:gpt-4o", quota.ChargeGroupPool, "", 400000, 0},
				{"group:guild-1/member:42/model:gpt-4o", quota.ChargeGroupMember, "", 10000, 0},
				{"actor:42/model:gpt-4o", quota.ChargeUserFallback, "", 200000, 1},
			},
		},
		{
			name: "group member limit",
			req:  quota.AdmissionRequest{ActorID: "1", GroupID: "guild-1", ModelID: "claude", Roles: []string{"other"}},
			want: []expectCandidate{
				{"group:guild-1", quota.ChargeGroupPool, "", 1000000, 0},
				{"group:guild-1/member:1", quota.ChargeGroupMember, "", 20000, 0},
				{"actor:1/model:claude", quota.ChargeUserFallback, "", 50000, 1},
			},
		},
		{
			name: "default group limit acts as pool",
			req:  quota.AdmissionRequest{ActorID: "1", GroupID: "guild-2", ModelID: "gpt-4o", Roles: []string{"member"}},
			want: []expectCandidate{
				{"group:guild-2/model:gpt-4o", quota.ChargeGroupPool, "", 500000, 0},
				{"group:guild-2/member:1", quota.ChargeGroupMember, "member", 100, 0},
				{"actor:1/model:gpt-4o", quota.ChargeUserFallback, "", 100000, 1},
			},
		},
		{
			name: "unlimited role only affects the member gate",
			req:  quota.AdmissionRequest{ActorID: "1", GroupID: "guild-2", ModelID: "gpt-4o", Roles: []string{"mod"}},
			want: []expectCandidate{
				{"group:guild-2/model:gpt-4o", quota.ChargeGroupPool, "", 500000, 0},
				{"group:guild-2/member:1", quota.ChargeUnlimited, "mod", quota.Unlimited, 0},
				{"actor:1/model:gpt-4o", quota.ChargeUserFallback, "", 100000, 1},
			},
		},
		{
			name: "unknown group resolves as personal",
			req:  quota.AdmissionRequest{ActorID: "1", GroupID: "nowhere", ModelID: "claude"},
			want: []expectCandidate{{"actor:1/model:claude", quota.ChargeUserPool, "", 50000, 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := Resolve(snap, &tt.req, Options{})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			assertChain(t, chain, tt.want)
		})
	}
}

func TestResolve_Windows(t *testing.T) {
	snap := Compile(mustParse(t, sampleDocument), nil)

	tests := []struct {
		name string
		req  quota.AdmissionRequest
		want time.Duration
	}{
		{"model default window", quota.AdmissionRequest{ActorID: "1", ModelID: "gpt-4o"}, 30 * 24 * time.Hour},
		{"document window", quota.AdmissionRequest{ActorID: "1", ModelID: "claude"}, 7 * 24 * time.Hour},
		{"group window", quota.AdmissionRequest{ActorID: "1", GroupID: "guild-2", ModelID: "claude", Roles: []string{"member"}}, 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := Resolve(snap, &tt.req, Options{})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got := chain.Candidates[0].Window; got != tt.want {
				t.Errorf("Expected window %v, got %v", tt.want, got)
			}
		})
	}

	empty := Compile(nil, []ledger.PolicyEntry{{EntityType: quota.EntityActor, EntityID: "1", Field: ledger.FieldFallbackPool, Value: 10}})
	chain, err := Resolve(empty, &quota.AdmissionRequest{ActorID: "1", ModelID: "m"}, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if chain.Candidates[0].Window != quota.DefaultWindow {
		t.Errorf("Expected 30 day default window, got %v", chain.Candidates[0].Window)
	}
}

func TestResolve_MissingConfiguration(t *testing.T) {
	snap := Compile(mustParse(t, `groups: {g: {member_bypasses: []}}`), nil)
	req := &quota.AdmissionRequest{ActorID: "1", GroupID: "g", ModelID: "m"}

	chain, err := Resolve(snap, req, Options{FailOpen: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !chain.Missing || !chain.Candidates[0].Missing {
		t.Error("Expected fail-open chain to be marked missing")
	}
	assertChain(t, chain, []expectCandidate{{"actor:1/model:m", quota.ChargeUnlimited, "", quota.Unlimited, 0}})

	_, err = Resolve(snap, req, Options{FailOpen: false})
	if !errors.Is(err, quota.ErrConfigurationMissing) {
		t.Errorf("Expected ErrConfigurationMissing under fail-closed, got %v", err)
	}
}

func TestResolve_InvalidRequest(t *testing.T) {
	_, err := Resolve(nil, &quota.AdmissionRequest{ModelID: "m"}, Options{FailOpen: true})
	if !errors.Is(err, quota.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestChain_Tiers(t *testing.T) {
	snap := Compile(mustParse(t, sampleDocument), nil)
	chain, err := Resolve(snap, &quota.AdmissionRequest{ActorID: "1", GroupID: "guild-1", ModelID: "claude"}, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	tiers := chain.Tiers()
	if len(tiers) != 2 || len(tiers[0]) != 2 || len(tiers[1]) != 1 {
		t.Errorf("Expected tiers of sizes [2 1], got %d tiers", len(tiers))
	}
}

// ==================================================================
// Overrides
// ==================================================================

func TestCompile_Overrides(t *testing.T) {
	doc := mustParse(t, sampleDocument)
	entries := []ledger.PolicyEntry{
		{EntityType: quota.EntityActor, EntityID: "42", ModelID: "gpt-4o", Field: ledger.FieldModelLimit, Value: 5},
		{EntityType: quota.EntityActor, EntityID: "new", Field: ledger.FieldFallbackPool, Value: -1},
		{EntityType: quota.EntityGroup, EntityID: "guild-1", Field: ledger.FieldRoleLimit, Key: "premium", Value: 9},
		{EntityType: quota.EntityGroup, EntityID: "guild-1", Field: ledger.FieldRoleLimit, Key: "gold", Value: 7},
		{EntityType: quota.EntityGroup, EntityID: "guild-1", Field: ledger.FieldBypass, Key: "7", Value: 0},
		{EntityType: quota.EntityGroup, EntityID: "guild-1", Field: ledger.FieldBypass, Key: "8", Value: 1},
		{EntityType: quota.EntityGroup, EntityID: "guild-3", ModelID: "m", Field: ledger.FieldTokenPool, Value: 11},
		{EntityType: quota.EntityDefault, ModelID: "claude", Field: ledger.FieldUserLimit, Value: 12},
	}
	snap := Compile(doc, entries)

	if snap.Overrides != len(entries) {
		t.Errorf("Expected %d overrides, got %d", len(entries), snap.Overrides)
	}
	if *doc.Defaults["*"].UserLimit != 50000 {
		t.Error("Expected compile to leave the parsed document untouched")
	}

	ap, _ := snap.Actor("42")
	if ap.Models["gpt-4o"] != 5 {
		t.Errorf("Expected override 5, got %d", ap.Models["gpt-4o"])
	}
	if ap, ok := snap.Actor("new"); !ok || !ap.FallbackPool.IsUnlimited() {
		t.Error("Expected actor created by override with unlimited fallback")
	}

	gp, _ := snap.Group("guild-1")
	want := []string{"vip", "premium", "gold"}
	for i, role := range want {
		if gp.RoleLimits[i].Role != role {
			t.Errorf("Role %d: expected %s, got %s", i, role, gp.RoleLimits[i].Role)
		}
	}
	if limit, _ := gp.RoleLimits.Get("premium"); limit != 9 {
		t.Errorf("Expected premium updated in place to 9, got %d", limit)
	}
	if len(gp.MemberBypasses) != 1 || gp.MemberBypasses[0] != "8" {
		t.Errorf("Expected bypasses [8], got %v", gp.MemberBypasses)
	}

	chain, err := Resolve(snap, &quota.AdmissionRequest{ActorID: "1", GroupID: "guild-3", ModelID: "m"}, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if chain.Candidates[0].Scope.Key != "group:guild-3/model:m" || chain.Candidates[0].Limit != 11 {
		t.Errorf("Expected per-model pool from override, got %+v", chain.Candidates[0])
	}

	chain, err = Resolve(snap, &quota.AdmissionRequest{ActorID: "1", ModelID: "claude"}, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if chain.Candidates[0].Limit != 12 {
		t.Errorf("Expected default override 12, got %s", chain.Candidates[0].Limit)
	}

	models := snap.Models()
	if len(models) == 0 || models[0] != "claude" {
		t.Errorf("Expected sorted models starting with claude, got %v", models)
	}
}

// ==================================================================
// Store and watcher
// ==================================================================

func writePolicy(t *testing.T, path, src string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
}

func TestStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, `defaults: {"*": {user_limit: 10}}`)

	l := ledger.NewMemoryStore()
	store := NewStore(path, l, nil)
	if store.Loaded() {
		t.Error("Expected store not loaded before Reload")
	}

	var reloads, failures int
	store.OnReload(func(_ *Snapshot, err error) {
		if err != nil {
			failures++
		} else {
			reloads++
		}
	})

	snap, err := store.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if snap.Version != 1 || store.Snapshot() != snap {
		t.Errorf("Expected version 1 to be current, got %d", snap.Version)
	}

	// A broken file keeps the previous snapshot.
	writePolicy(t, path, `defaults: [`)
	if _, err := store.Reload(ctx); err == nil {
		t.Fatal("Expected reload of broken file to fail")
	}
	if store.Snapshot() != snap {
		t.Error("Expected previous snapshot to stay current")
	}

	writePolicy(t, path, `defaults: {"*": {user_limit: 20}}`)
	snap, err = store.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("Expected version 2, got %d", snap.Version)
	}
	if reloads != 2 || failures != 1 {
		t.Errorf("Expected 2 reloads and 1 failure, got %d and %d", reloads, failures)
	}

	events, err := l.ListEvents(ctx, ledger.EventQuery{Kind: quota.EventPolicyReload})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 policy_reload events, got %d", len(events))
	}

	if _, err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	events, _ = l.ListEvents(ctx, ledger.EventQuery{Kind: quota.EventPolicyReload})
	if len(events) != 2 {
		t.Errorf("Expected Refresh not to record an event, got %d", len(events))
	}
}

func TestStore_LedgerOnly(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryStore()
	err := l.Atomic(ctx, func(tx ledger.Tx) error {
		return tx.UpsertPolicyEntry(ctx, ledger.PolicyEntry{EntityType: quota.EntityActor, EntityID: "a",
			Field: ledger.FieldFallbackPool, Value: 100, UpdatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}

	store := NewStore("", l, nil)
	if _, err := store.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	chain, _, err := NewResolver(store, Options{}).Resolve(&quota.AdmissionRequest{ActorID: "a", ModelID: "m"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if chain.Candidates[0].Limit != 100 {
		t.Errorf("Expected ledger override 100, got %s", chain.Candidates[0].Limit)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, `defaults: {"*": {user_limit: 10}}`)

	store := NewStore(path, ledger.NewMemoryStore(), nil)
	if _, err := store.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	w, err := NewWatcher(store, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	go w.Watch(ctx)
	defer w.Stop()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, path, `defaults: {"*": {user_limit: 99}}`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Snapshot().Version >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	chain, err := Resolve(store.Snapshot(), &quota.AdmissionRequest{ActorID: "a", ModelID: "m"}, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if chain.Candidates[0].Limit != 99 {
		t.Errorf("Expected reloaded limit 99, got %s", chain.Candidates[0].Limit)
	}
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	if _, err := NewWatcher(NewStore("", ledger.NewMemoryStore(), nil), 0, nil); err == nil {
		t.Error("Expected error for store without a file")
	}
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	calls := make(chan int, 10)
	for i := 0; i < 5; i++ {
		n := i
		d.Trigger(func() { calls <- n })
	}

	select {
	case n := <-calls:
		if n != 4 {
			t.Errorf("Expected only the last callback (4), got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected debounced callback to run")
	}

	select {
	case n := <-calls:
		t.Errorf("Expected a single callback, got another (%d)", n)
	case <-time.After(100 * time.Millisecond):
	}
}
