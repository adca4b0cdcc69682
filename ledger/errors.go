/*
errors.go - Centralized error taxonomy for the ledger core

PURPOSE:
  Every rejection the core can produce, in one place. Callers classify
  failures with errors.Is against the sentinels and extract figures with
  errors.As against the structured types.

ERROR CATEGORIES:
  1. Validation     - malformed input, rejected before any state change
  2. Authorization  - role or ownership mismatch, rejected before any state change
  3. Business rules - insufficient funds, debt ceiling reached (read-only check)
  4. Not found      - referenced entity absent
  5. Conflict       - already applied (double delete, stale transition); idempotent
  6. Internal       - adapter failure inside an atomic unit; safe to retry

USAGE:
  if errors.Is(err, ledger.ErrDebtExceeded) {
      var de *ledger.DebtExceededError
      errors.As(err, &de)
      // de.CurrentDebt, de.Threshold
  }

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("not authorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDebtExceeded      = errors.New("debt threshold reached")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")

	// ErrStaleWrite is returned by stores when a conditional update matched no
	// row because another writer changed it first.
	ErrStaleWrite = errors.New("row changed by a concurrent writer")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type AuthorizationError struct {
	Action string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to %s: %s", e.Action, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	Account   string // "wallet" or "main_balance"
	Available Money
	Requested Money
	Shortfall Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s, shortfall %s",
		e.Account, e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type DebtExceededError struct {
	UserID      UserID
	CurrentDebt Money
	Threshold   Money
}

func (e *DebtExceededError) Error() string {
	return fmt.Sprintf("debt threshold reached for %s: current debt %s, threshold %s",
		e.UserID, e.CurrentDebt.Value, e.Threshold.Value)
}

func (e *DebtExceededError) Unwrap() error { return ErrDebtExceeded }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports an operation that was already applied. Callers treat
// it as success with a notice, not as a failure.
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type InvalidTransitionError struct {
	ID   TransactionID
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrValidation }

// InternalError hides adapter details from callers while keeping them for logs.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or rights.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrDebtExceeded)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsRetryable returns true if the operation left no effect and may be retried.
func IsRetryable(err error) bool { return errors.Is(err, ErrInternal) }

// Kind names the error category for API payloads and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "authorization"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDebtExceeded):
		return "debt_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

func forbidden(action, reason string) error {
	return &AuthorizationError{Action: action, Reason: reason}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// internal wraps unexpected store failures unless they are already classified.
func internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) || IsConflict(err) || errors.Is(err, ErrInternal) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}
