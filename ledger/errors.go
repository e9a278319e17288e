/*
errors.go - Error taxonomy for the ledger

ERROR CATEGORIES:
  1. Validation errors - malformed input, never retried
  2. Balance errors - redemption exceeds the available balance at commit time
  3. Duplicate errors - debounce guard triggered, safe to retry later
  4. Transition errors - status change on a non-pending entry
  5. Store errors - not found, storage unavailable

USAGE:
  Callers match with errors.Is on the sentinels, or errors.As on the
  structured types to read details:

    var ib *ledger.InsufficientBalanceError
    if errors.As(err, &ib) {
        reprompt(ib.Available)
    }
*/
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a redemption exceeds the
	// available balance observed inside the store's atomic unit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicate is returned by the duplicate-submission guard.
	ErrDuplicate = errors.New("duplicate submission")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrNotFound = errors.New("entry not found")

	// ErrUnavailable wraps storage and connectivity failures.
	ErrUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports the balance seen at commit time so the
// caller can re-prompt.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type DuplicateError struct {
	RetryAfter time.Duration
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

type InvalidTransitionError struct {
	EntryID EntryID
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("entry %s: cannot transition from %s to %s", e.EntryID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Unavailable wraps a storage failure so callers can match ErrUnavailable
// while keeping the driver error in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
