/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so the HTTP layer can map
  any error to a status code with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation     - caller-fixable input problems (carries the field)
  2. Ownership      - NotFound (hides existence) and Forbidden
  3. Business rules - InsufficientFunds, NotRefundable, AlreadyRefunded
  4. Infrastructure - store unavailable, concurrent modification

NOT AN ERROR:
  Losing a dedupe race. Stores convert unique-constraint violations into
  created=false and callers treat that as success.

SEE ALSO:
  - wallet/wallet.go: InsufficientFundsError, refund rejections
  - session/engine.go: ownership and validation
  - api/handlers.go: status code mapping
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
	// ErrNotFound is returned for missing records and for records owned by
	// another user, so callers cannot probe for existence.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when refunding another user's ledger entry.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when a charge exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotRefundable is returned when refunding an entry that is not a deduct.
	ErrNotRefundable = errors.New("entry is not refundable")

	// ErrAlreadyRefunded is returned for a second refund of the same entry.
	ErrAlreadyRefunded = errors.New("entry already refunded")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStoreUnavailable wraps connectivity failures of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a shortfall without any mutation having happened.
type InsufficientFundsError struct {
	UserID  string
	Needed  int64
	Balance int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: needed %d, balance %d", e.Needed, e.Balance)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrNotRefundable) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing (or hidden) resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
