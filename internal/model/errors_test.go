package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestReasonOf(t *testing.T) {
	verr := NewValidationError(ReasonInsufficientShares, "have %d, need %d", 2, 5)

	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ""},
		{"validation", verr, ReasonInsufficientShares},
		{"wrapped validation", fmt.Errorf("submit: %w", verr), ReasonInsufficientShares},
		{"conflict wins over its cause", &ConflictError{OrderID: "o-1", Reason: verr.Reason, Cause: verr}, ReasonConflict},
		{"store", &StoreError{Op: "apply", Err: errors.New("deadline exceeded")}, ReasonStoreFailure},
		{"store wrapping not found", &StoreError{Op: "get", Err: ErrNotFound}, ReasonStoreFailure},
		{"not pending", fmt.Errorf("order o-1: %w", ErrOrderNotPending), ReasonOrderNotPending},
		{"expired", ErrOrderExpired, ReasonOrderExpired},
		{"not found", fmt.Errorf("account a: %w", ErrNotFound), ReasonNotFound},
		{"duplicate", ErrAlreadyExists, ReasonAlreadyExists},
		{"unknown", errors.New("boom"), ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReasonOf(tt.err); got != tt.want {
				t.Errorf("ReasonOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestConflictError(t *testing.T) {
	cause := NewValidationError(ReasonAccountInactive, "account suspended")
	err := fmt.Errorf("execute: %w", &ConflictError{OrderID: "o-9", Reason: cause.Reason, Cause: cause})

	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Error("conflict should match ErrConcurrencyConflict")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonAccountInactive {
		t.Errorf("conflict should unwrap to its validation cause, got %v", ve)
	}
}

func TestStoreError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &StoreError{Op: "load account", Err: inner}

	if !errors.Is(err, ErrStoreFailure) || !errors.Is(err, inner) {
		t.Error("store error should match both ErrStoreFailure and its cause")
	}
	if got := err.Error(); got != "load account: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransactionTotal(t *testing.T) {
	tx := Transaction{Quantity: 7, Price: decimal.RequireFromString("12.345")}
	if want := decimal.RequireFromString("86.415"); !tx.Total().Equal(want) {
		t.Errorf("Total() = %s, want %s", tx.Total(), want)
	}
}

func TestOrderPricingAndExpiry(t *testing.T) {
	market := decimal.NewFromInt(100)
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

	o := Order{}
	if !o.EffectivePrice(market).Equal(market) {
		t.Error("market order should use the market price")
	}
	o.LimitPrice = decimal.NewNullDecimal(decimal.NewFromInt(95))
	if !o.EffectivePrice(market).Equal(decimal.NewFromInt(95)) {
		t.Error("limit order should use its limit price")
	}

	if o.ExpiredAt(now) {
		t.Error("an order without expiration never expires")
	}
	o.ExpiresAt = &now
	if !o.ExpiredAt(now) {
		t.Error("expiration is inclusive")
	}
	if o.ExpiredAt(now.Add(-time.Nanosecond)) {
		t.Error("not expired before its expiration time")
	}
}
