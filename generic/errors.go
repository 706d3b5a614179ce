/*
errors.go - Centralized error types for the compliance engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every operation the engine exposes signals failure through one of these,
  never through a panic crossing the package boundary.

ERROR CATEGORIES:
  1. Guard violations - Operation not permitted in the current state (recoverable)
  2. Reconciliation failures - Lineage data is inconsistent (fatal)
  3. External service failures - A collaborator timed out or failed (retryable)
  4. Store errors - Persistence-level failures

USAGE:
  Callers branch with errors.Is / errors.As:

    var gv *generic.GuardViolation
    if errors.As(err, &gv) {
        respond(409, gv.Code)
    }

SEE ALSO:
  - ledger.go: Uses ErrDuplicateIdempotencyKey
  - compliance/guards.go: Produces GuardViolation
  - compliance/reconciler.go: Produces ReconciliationFailure
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrGuardViolation is the class of every rejected state transition.
	// No state was mutated.
	ErrGuardViolation = errors.New("guard violation")

	// ErrReconciliationFailure means the supersession precondition did not hold.
	// It indicates corrupted lineage data and is never retried automatically.
	ErrReconciliationFailure = errors.New("reconciliation failure")

	// ErrExternalServiceUnavailable is returned when a collaborator call timed
	// out or failed. The engine state is unchanged and the request may be retried.
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a lineage lock cannot be acquired.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// GuardCode is a stable, machine-readable rejection reason.
type GuardCode string

// GuardViolation reports an operation requested against a state that does not permit it.
type GuardViolation struct {
	Code   GuardCode
	Reason string
}

func (e *GuardViolation) Error() string {
	return fmt.Sprintf("guard violation [%s]: %s", e.Code, e.Reason)
}

func (e *GuardViolation) Unwrap() error {
	return ErrGuardViolation
}

// NewGuardViolation builds a GuardViolation with a formatted reason.
func NewGuardViolation(code GuardCode, format string, args ...any) *GuardViolation {
	return &GuardViolation{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ReconciliationFailure reports a violated supersession precondition.
type ReconciliationFailure struct {
	Lineage string
	Reason  string
}

func (e *ReconciliationFailure) Error() string {
	return fmt.Sprintf("reconciliation failure for lineage %s: %s", e.Lineage, e.Reason)
}

func (e *ReconciliationFailure) Unwrap() error {
	return ErrReconciliationFailure
}

// ExternalServiceError wraps a failed collaborator call.
type ExternalServiceError struct {
	Service string // e.g., "document-generator", "payment-ledger"
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() []error {
	return []error{ErrExternalServiceUnavailable, e.Err}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalServiceUnavailable) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrGuardViolation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
