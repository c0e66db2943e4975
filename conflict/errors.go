/*
errors.go - Centralized error types for the conflict engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is against the sentinels; the structured
  types carry the context needed for logging and run reports.

ERROR CATEGORIES:
  1. Transient store errors - retried at the chunk level with backoff
  2. Data integrity errors  - the affected visit/pair is skipped with a warning
  3. Configuration errors   - fatal, the run aborts before any chunk starts
  4. Reconciliation errors  - the persisted record is skipped, run continues

USAGE:

    if conflict.IsRetryable(err) {
        // retry the chunk
    }
    var cfgErr *conflict.ConfigurationError
    if errors.As(err, &cfgErr) {
        // fail the run
    }

SEE ALSO:
  - merge.go: Produces ReconciliationConflictError
  - join.go: Produces DataIntegrityError
  - reference.go: Produces ConfigurationError
  - store/sqlstore: Wraps driver errors as TransientStoreError
*/
package conflict

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTransientStore is returned for connection loss, timeouts and lock
	// contention. The operation may succeed on retry.
	ErrTransientStore = errors.New("transient store error")

	// ErrDataIntegrity is returned for malformed visit rows.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrConfiguration is returned for missing or unusable reference data.
	ErrConfiguration = errors.New("configuration error")

	// ErrReconciliationConflict is returned when a persisted record holds a
	// value outside the enumerated sets.
	ErrReconciliationConflict = errors.New("unexpected persisted state")

	// ErrRunNotFound is returned when a run id has no stored state.
	ErrRunNotFound = errors.New("run not found")

	// ErrConflictNotFound is returned when a ConflictID has no records.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrLeaseHeld is returned when another owner holds the run lease.
	ErrLeaseHeld = errors.New("run lease held by another owner")

	// ErrInvalidDisposition is returned for analyst dispositions other than W, I or N.
	ErrInvalidDisposition = errors.New("invalid disposition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransientStoreError wraps a store failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

// DataIntegrityError describes a malformed visit.
type DataIntegrityError struct {
	VisitID VisitID
	Field   string
	Reason  string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("visit %s: %s: %s", e.VisitID, e.Field, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

// ConfigurationError describes unusable reference data or settings.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ReconciliationConflictError describes a persisted value outside its enum.
type ReconciliationConflictError struct {
	Pair  PairID
	Field string
	Value string
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("record %s: unexpected %s value %q", e.Pair, e.Field, e.Value)
}

func (e *ReconciliationConflictError) Unwrap() error { return ErrReconciliationConflict }

// LeaseHeldError reports who currently holds a run lease.
type LeaseHeldError struct {
	Name      string
	Owner     string
	RunID     string
	ExpiresAt time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease %s held by %s (run %s) until %s",
		e.Name, e.Owner, e.RunID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LeaseHeldError) Unwrap() error { return ErrLeaseHeld }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsFatal returns true if the error must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDisposition) ||
		errors.Is(err, ErrDataIntegrity) ||
		errors.Is(err, ErrConfiguration)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrConflictNotFound)
}
