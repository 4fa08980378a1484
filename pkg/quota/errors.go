package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is matched by every *QuotaExceededError.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrConfigurationMissing is reported when no policy covers a request.
	// It is a warning under fail-open and a denial under fail-closed.
	ErrConfigurationMissing = errors.New("quota configuration missing")

	// ErrLedgerUnavailable is matched by every *LedgerError.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrHandleNotFound is returned for unknown reservation handles, and by
	// Release for handles that were already resolved.
	ErrHandleNotFound = errors.New("reservation handle not found")

	// ErrReservationClosed is returned by Commit for a released or expired
	// reservation.
	ErrReservationClosed = errors.New("reservation already closed")

	// ErrInvalidRequest is matched by malformed requests and mutations.
	ErrInvalidRequest = errors.New("invalid request")
)

// QuotaExceededError carries the denying budget.
type QuotaExceededError struct {
	Candidate Candidate
	Used      int64
	Reserved  int64
	Estimate  int64
	Limit     Limit
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (%s): used=%d reserved=%d estimate=%d limit=%s",
		e.Candidate.Scope.Key, e.Candidate.ChargeSource, e.Used, e.Reserved, e.Estimate, e.Limit)
}

// Unwrap returns ErrQuotaExceeded.
func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// LedgerError wraps a storage backend failure.
type LedgerError struct {
	Backend   string // "memory", "sqlite", "sqlite3", "postgres"
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *LedgerError) Unwrap() error {
	return e.Cause
}

// Is matches ErrLedgerUnavailable in addition to the wrapped cause.
func (e *LedgerError) Is(target error) bool {
	return target == ErrLedgerUnavailable
}

// NewLedgerError creates a LedgerError. Sentinel domain errors pass through
// unwrapped so callers can still match them.
func NewLedgerError(backend, operation string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrHandleNotFound) || errors.Is(cause, ErrReservationClosed) ||
		errors.Is(cause, ErrQuotaExceeded) || errors.Is(cause, ErrInvalidRequest) ||
		errors.Is(cause, ErrConfigurationMissing) {
		return cause
	}
	var le *LedgerError
	if errors.As(cause, &le) {
		return cause
	}
	return &LedgerError{Backend: backend, Operation: operation, Cause: cause}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Invalidf builds an error matching ErrInvalidRequest.
func Invalidf(format string, args ...any) error {
	return invalidf(format, args...)
}
