/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - caller mistakes, rejected before any write
  2. Stock errors - insufficient quantity, local or remote
  3. Sync errors - transport, auth, permanent queue failure
  4. Store errors - persistence-level failures

USAGE:
  if errors.Is(err, ledger.ErrInsufficientStock) {
      // recoverable: pick a smaller quantity or retry after a sync
  }

SEE ALSO:
  - allocator.go: raises InsufficientStockError
  - sync package: raises ErrSessionExpired, ErrOffline
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
	// ErrInsufficientStock is returned when a requested quantity exceeds what
	// the batches for a product can cover. Recoverable by the user.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrEmptyCart is returned when a sale is attempted with no items.
	ErrEmptyCart = errors.New("empty cart")

	// ErrProductNotFound is returned when a referenced product doesn't exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrBatchNotFound is returned when a referenced batch doesn't exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrSaleNotFound is returned when a referenced sale doesn't exist.
	ErrSaleNotFound = errors.New("sale not found")

	// ErrSaleNotConfirmed is returned after a compensating rollback: the sale
	// was applied locally but rejected by the remote, and has been undone.
	// The user should sync and retry.
	ErrSaleNotConfirmed = errors.New("sale could not be confirmed, sync and retry")

	// ErrDuplicateIdempotencyKey is returned when a queue entry with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrSessionExpired is returned on a 401 from the remote. Fatal for the
	// current session; never retried with backoff.
	ErrSessionExpired = errors.New("session expired")

	// ErrOffline is returned when a sync is requested while disconnected.
	ErrOffline = errors.New("device offline")

	// ErrFlushInFlight is returned when a flush is already running. Callers
	// treat this as a no-op, not a failure.
	ErrFlushInFlight = errors.New("flush already in flight")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports both what was asked for and what the batches
// could actually cover, so the caller can offer a smaller quantity.
type InsufficientStockError struct {
	ProductID ProductID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ValidationError reports a caller error rejected before any side effects.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input or a
// recoverable stock shortage, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrEmptyCart) ||
		errors.As(err, &ve)
}

// IsFatalAuth returns true if the error indicates an expired session, which
// must be surfaced rather than retried.
func IsFatalAuth(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
