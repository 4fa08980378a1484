package cli

import (
	"errors"
	"fmt"
	"testing"

	"mercator-hq/tokenquota/pkg/quota"
)

func TestConfigError(t *testing.T) {
	err := NewConfigError("ledger.dsn", "missing required field")

	expected := "config error in ledger.dsn: missing required field"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if NewConfigError("", "bad").Error() != "config error: bad" {
		t.Errorf("Expected field-less message, got %q", NewConfigError("", "bad").Error())
	}
}

func TestCommandError(t *testing.T) {
	underlyingErr := errors.New("underlying error")
	err := NewCommandError("run", underlyingErr)

	expected := "command run failed: underlying error"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("Expected CommandError to unwrap to the underlying error")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", NewConfigError("x", "y"), ExitInvalid},
		{"invalid", quota.Invalidf("bad"), ExitInvalid},
		{"denied", &quota.QuotaExceededError{}, ExitDenied},
		{"missing", fmt.Errorf("wrapped: %w", quota.ErrConfigurationMissing), ExitDenied},
		{"ledger", NewCommandError("usage", quota.NewLedgerError("sqlite", "totals", errors.New("locked"))), ExitUnavailable},
		{"other", errors.New("boom"), ExitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
