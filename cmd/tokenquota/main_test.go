package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mercator-hq/tokenquota/pkg/cli"
	"mercator-hq/tokenquota/pkg/quota"
)

const testPolicy = `
defaults:
  gpt-4:
    user_limit: 1000
groups:
  eng:
    token_pool: 5000
`

// setupCLI writes a config using a SQLite ledger in a temp dir, so state
// survives between command invocations.
func setupCLI(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	policyPath := filepath.Join(dir, "quota.yaml")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	cfg := fmt.Sprintf(`
ledger:
  backend: sqlite
  dsn: %s
policy:
  file_path: %s
  watch: false
telemetry:
  logging:
    level: error
`, filepath.Join(dir, "ledger.db"), policyPath)
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	orig := cfgFile
	t.Cleanup(func() { cfgFile = orig })
	cfgFile = cfgPath
}

// execute runs the root command with args, resetting every flag first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	resetFlags(rootCmd)
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--config", cfgFile))
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ============================================================================
// Commands
// ============================================================================

func TestVersionCommand(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "tokenquota "+Version) || !strings.Contains(out, "Go Version:") {
		t.Errorf("Expected version banner, got %q", out)
	}
}

func TestLimitUsageAudit(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "limit", "set", "alice", "500", "--model", "gpt-4", "--operator", "ops")
	if err != nil {
		t.Fatalf("limit set error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "applied") {
		t.Errorf("Expected confirmation, got %q", out)
	}

	out, err = execute(t, "usage", "--actor", "alice", "--model", "gpt-4", "-o", "json")
	if err != nil {
		t.Fatalf("usage error = %v\n%s", err, out)
	}
	var reports []quota.UsageReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("failed to decode usage output %q: %v", out, err)
	}
	if len(reports) != 1 || reports[0].Limit != 500 || reports[0].Scope.Key != "actor:alice/model:gpt-4" {
		t.Errorf("Expected override of 500 on alice's gpt-4 budget, got %+v", reports)
	}

	out, err = execute(t, "audit", "--kind", "set_actor_limit", "-o", "csv")
	if err != nil {
		t.Fatalf("audit error = %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "TIME,KIND") {
		t.Fatalf("Expected header and one event, got %q", out)
	}
	if !strings.Contains(lines[1], "actor:alice") || !strings.HasSuffix(lines[1], ",ops") {
		t.Errorf("Expected alice's change by ops, got %q", lines[1])
	}
}

func TestGroupLimitsAndReset(t *testing.T) {
	setupCLI(t)

	steps := [][]string{
		{"limit", "pool", "eng", "unlimited"},
		{"limit", "member", "eng", "200"},
		{"limit", "role", "eng", "lead", "800"},
		{"limit", "bypass", "eng", "carol"},
		{"limit", "bypass", "eng", "carol", "--remove"},
		{"limit", "default", "50", "--model", "*"},
		{"reset", "alice"},
	}
	for _, args := range steps {
		if out, err := execute(t, args...); err != nil {
			t.Fatalf("%v error = %v\n%s", args, err, out)
		}
	}

	out, err := execute(t, "usage", "--actor", "bob", "--group", "eng", "--roles", "lead", "--model", "gpt-4")
	if err != nil {
		t.Fatalf("usage error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "SCOPE") || !strings.Contains(out, "group:eng") {
		t.Errorf("Expected a group scope in usage table, got %q", out)
	}

	out, err = execute(t, "audit", "--limit", "0", "-o", "json")
	if err != nil {
		t.Fatalf("audit error = %v", err)
	}
	var events []quota.ConfigEvent
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("failed to decode audit output: %v", err)
	}
	var changes int
	for _, e := range events {
		if e.Kind != quota.EventPolicyReload {
			changes++
		}
	}
	if changes != len(steps) {
		t.Errorf("Expected %d audited changes, got %d", len(steps), changes)
	}
}

func TestCommandErrors(t *testing.T) {
	setupCLI(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"bad limit", []string{"limit", "set", "alice", "lots"}, cli.ExitInvalid},
		{"model and all models", []string{"limit", "set", "alice", "5", "--model", "gpt-4", "--all-models"}, cli.ExitInvalid},
		{"bad actor", []string{"limit", "set", "a/b", "5"}, cli.ExitInvalid},
		{"bad window", []string{"usage", "--actor", "alice", "--model", "gpt-4", "--window", "soon"}, cli.ExitInvalid},
		{"bad breakdown", []string{"stats", "--by", "planet"}, cli.ExitInvalid},
		{"bad range", []string{"stats", "--time-range", "2026-03-01"}, cli.ExitInvalid},
		{"bad output", []string{"stats", "-o", "yaml"}, cli.ExitInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := cli.ExitCode(err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d (err: %v)", got, tt.want, err)
			}
		})
	}
}

func TestStatsAndSweep(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "stats", "-o", "json")
	if err != nil {
		t.Fatalf("stats error = %v\n%s", err, out)
	}
	var stats struct {
		Totals struct {
			Calls int64 `json:"calls"`
		} `json:"totals"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("failed to decode stats output %q: %v", out, err)
	}
	if stats.Totals.Calls != 0 {
		t.Errorf("Expected empty ledger, got %d calls", stats.Totals.Calls)
	}

	out, err = execute(t, "stats", "--by", "model")
	if err != nil {
		t.Fatalf("stats --by error = %v", err)
	}
	if !strings.HasPrefix(out, "MODEL") {
		t.Errorf("Expected MODEL header, got %q", out)
	}

	out, err = execute(t, "sweep", "-o", "csv")
	if err != nil {
		t.Fatalf("sweep error = %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "EXPIRED,PRUNED,AT\n0,0,") {
		t.Errorf("Expected empty sweep result, got %q", out)
	}
}

func TestRunDryRun(t *testing.T) {
	setupCLI(t)

	out, err := execute(t, "run", "--dry-run")
	if err != nil {
		t.Fatalf("run --dry-run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Policy loaded") {
		t.Errorf("Expected policy confirmation, got %q", out)
	}
}

func TestParseRange(t *testing.T) {
	from, to, err := parseRange("2026-03-01/2026-03-31", "", "")
	if err != nil {
		t.Fatalf("parseRange() error = %v", err)
	}
	if from.Format("2006-01-02") != "2026-03-01" || to.Format("2006-01-02T15:04") != "2026-03-31T23:59" {
		t.Errorf("Expected whole-day range, got %v to %v", from, to)
	}

	from, _, err = parseRange("2026-03-01/2026-03-31", "2026-03-15T00:00:00Z", "")
	if err != nil || from.Day() != 15 {
		t.Errorf("Expected --from to win over --time-range, got %v (%v)", from, err)
	}
}
