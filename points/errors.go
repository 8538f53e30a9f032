/*
errors.go - Error types for the points engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels; the structured errors carry the numbers a caller needs to
  build a useful response and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Client errors - Invalid amount or type, insufficient points, duplicates
  2. Retryable errors - Version conflicts and lock timeouts
  3. Hook errors - Promotion failures (logged, never returned by writes)

SEE ALSO:
  - ledger.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive credits/debits, zero
	// adjustments and adjustments without a reason.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransactionType is returned when a type is unknown or not
	// allowed for the operation.
	ErrInvalidTransactionType = errors.New("invalid transaction type")

	// ErrInsufficientPoints is returned when a debit exceeds available points.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrUserNotFound is returned by lookups that require an existing balance.
	ErrUserNotFound = errors.New("user not found")

	// ErrConcurrencyConflict is returned when the version check kept failing
	// after the retry budget was spent. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrLockTimeout is returned when the per-user lock could not be acquired
	// in time. It unwraps to ErrConcurrencyConflict.
	ErrLockTimeout = fmt.Errorf("%w: lock wait timed out", ErrConcurrencyConflict)

	// ErrPromotionHook marks a failed level-change notification.
	ErrPromotionHook = errors.New("promotion hook failed")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected on client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidQuery is returned for malformed history or level filters.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrStoreRequired is returned when an operation needs a store capability
	// the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")

	// ErrChainBroken is returned when an entry history fails verification.
	ErrChainBroken = errors.New("ledger chain broken")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientPointsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: user %d has %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// Shortfall is how many points were missing.
func (e *InsufficientPointsError) Shortfall() int64 { return e.Requested - e.Available }

// DuplicateError carries the entry that already holds the idempotency key.
type DuplicateError struct {
	Key      string
	Existing Entry
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q (entry %d)", e.Key, e.Existing.ID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateIdempotencyKey }

// PromotionError wraps the cause of a failed level-change notification.
type PromotionError struct {
	Change LevelChange
	Err    error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promotion hook failed for user %d (level %d -> %d): %v",
		e.Change.UserID, e.Change.OldLevel, e.Change.NewLevel, e.Err)
}

func (e *PromotionError) Unwrap() []error { return []error{ErrPromotionHook, e.Err} }

// ChainError points at the first entry that fails verification.
type ChainError struct {
	UserID  UserID
	EntryID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken for user %d at entry %d: %s", e.UserID, e.EntryID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransactionType) ||
		errors.Is(err, ErrInvalidQuery) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
