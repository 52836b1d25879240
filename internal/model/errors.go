package model

import (
	"errors"
	"fmt"
)

// Reason is a machine-readable rejection code carried by every ledger error.
type Reason string

const (
	ReasonAccountInactive     Reason = "ACCOUNT_INACTIVE"
	ReasonNonPositiveQuantity Reason = "NON_POSITIVE_QUANTITY"
	ReasonInvalidLimitPrice   Reason = "INVALID_LIMIT_PRICE"
	ReasonInvalidExpiration   Reason = "INVALID_EXPIRATION"
	ReasonInsufficientFunds   Reason = "INSUFFICIENT_FUNDS"
	ReasonInsufficientShares  Reason = "INSUFFICIENT_SHARES"
	ReasonPositionOverflow    Reason = "POSITION_OVERFLOW"
	ReasonSectorLimit         Reason = "SECTOR_LIMIT_EXCEEDED"
	ReasonOrderNotPending     Reason = "ORDER_NOT_PENDING"
	ReasonOrderExpired        Reason = "ORDER_EXPIRED"
	ReasonNotFound            Reason = "NOT_FOUND"
	ReasonAlreadyExists       Reason = "ALREADY_EXISTS"
	ReasonStoreFailure        Reason = "STORE_FAILURE"
	ReasonConflict            Reason = "CONCURRENCY_CONFLICT"
	ReasonInvalidRequest      Reason = "INVALID_REQUEST"
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonInternal            Reason = "INTERNAL"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrOrderNotPending     = errors.New("order is not pending")
	ErrOrderExpired        = errors.New("order expired")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStoreFailure        = errors.New("store failure")
)

// ValidationError rejects an order before any state changes.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports that re-validation at execution time failed because
// state changed after the order was accepted. The order has been cancelled.
type ConflictError struct {
	OrderID string
	Reason  Reason
	Cause   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s cancelled at execution: %s: %v", e.OrderID, e.Reason, e.Cause)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func (e *ConflictError) Unwrap() error { return e.Cause }

// StoreError wraps a persistence failure. No partial writes happened and the
// operation is safe to retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

func (e *StoreError) Unwrap() error { return e.Err }

// ReasonOf maps any error returned by the ledger to its reason code.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	// ConflictError wraps the validation failure that caused it, so it is
	// matched first.
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ReasonConflict
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	switch {
	case errors.Is(err, ErrStoreFailure):
		return ReasonStoreFailure
	case errors.Is(err, ErrOrderNotPending):
		return ReasonOrderNotPending
	case errors.Is(err, ErrOrderExpired):
		return ReasonOrderExpired
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrAlreadyExists):
		return ReasonAlreadyExists
	}
	return ReasonInternal
}
