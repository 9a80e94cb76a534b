/*
errors.go - Error types for the royalty workflow

PURPOSE:
  Every failure that leaves this package is one of five kinds. Callers
  match on the sentinels with errors.Is, or pull details out of the
  structured types with errors.As.

ERROR KINDS:
  FetchError             ledger reload failed, previous snapshot kept
  RecomputeError         recalculation trigger failed, ledger untouched
  AlreadyInProgressError a payment for this record is already running
  PaymentFailedError     payment failed or was rejected, record still UNPAID
  NotFoundError          royalty id not in the current snapshot

None of these are fatal. Only AlreadyInProgressError should not be retried.

SEE ALSO:
  - ledger.go, payment.go, recompute.go: Produce these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package royalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrFetch is returned when the full ledger could not be loaded.
	ErrFetch = errors.New("royalty: ledger fetch failed")

	// ErrRecompute is returned when the recalculation trigger failed.
	ErrRecompute = errors.New("royalty: recalculation failed")

	// ErrAlreadyInProgress is returned when a payment for the same record is running.
	ErrAlreadyInProgress = errors.New("royalty: payment already in progress")

	// ErrPaymentFailed is returned when a payment could not be completed.
	ErrPaymentFailed = errors.New("royalty: payment failed")

	// ErrNotFound is returned when a royalty id is not in the snapshot.
	ErrNotFound = errors.New("royalty: not found")

	// ErrAlreadyPaid is the domain rejection for paying a PAID record.
	ErrAlreadyPaid = errors.New("royalty: already paid")

	// ErrInvalidTransition is returned for PAID -> UNPAID patches.
	ErrInvalidTransition = errors.New("royalty: invalid status transition")

	// ErrDuplicateRoyalty is returned when a fetched ledger repeats an id.
	ErrDuplicateRoyalty = errors.New("royalty: duplicate royalty id in ledger")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FetchError wraps the cause of a failed ledger reload.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch royalties: %v", e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }

// RecomputeError wraps the cause of a failed recalculation trigger.
type RecomputeError struct {
	Err error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("calculate royalties: %v", e.Err)
}

func (e *RecomputeError) Unwrap() []error { return []error{ErrRecompute, e.Err} }

// AlreadyInProgressError names the record whose payment is already running.
type AlreadyInProgressError struct {
	RoyaltyID RoyaltyID
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("royalty %s: payment already in progress", e.RoyaltyID)
}

func (e *AlreadyInProgressError) Unwrap() error { return ErrAlreadyInProgress }

// PaymentFailedError carries the reason a payment did not go through.
type PaymentFailedError struct {
	RoyaltyID RoyaltyID
	Reason    string
	Err       error
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("royalty %s: payment failed: %s", e.RoyaltyID, e.Reason)
}

func (e *PaymentFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPaymentFailed}
	}
	return []error{ErrPaymentFailed, e.Err}
}

// NotFoundError names the missing royalty id.
type NotFoundError struct {
	RoyaltyID RoyaltyID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("royalty %s: not found", e.RoyaltyID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-invoking the operation may succeed.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAlreadyInProgress) || errors.Is(err, ErrAlreadyPaid) {
		return false
	}
	return errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrRecompute) ||
		errors.Is(err, ErrPaymentFailed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
