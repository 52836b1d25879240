// Package model defines the core domain types shared across the trade ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a customer account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountClosed    AccountStatus = "CLOSED"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountClosed:
		return true
	}
	return false
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCancelled || s == OrderExpired
}

// Account is a customer's cash holding. CashBalance is never negative.
type Account struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Status      AccountStatus   `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Instrument is a tradable stock with reference price data.
type Instrument struct {
	ID           string          `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"` // unique
	Name         string          `json:"name" db:"name"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	Sector       string          `json:"sector" db:"sector"`
	Exchange     string          `json:"exchange" db:"exchange"`
}

// Order is a request to buy or sell an instrument on behalf of an account.
type Order struct {
	ID           string              `json:"id" db:"id"`
	AccountID    string              `json:"account_id" db:"account_id"`
	InstrumentID string              `json:"instrument_id" db:"instrument_id"`
	Side         Side                `json:"side" db:"side"`
	Quantity     int64               `json:"quantity" db:"quantity"`
	LimitPrice   decimal.NullDecimal `json:"limit_price" db:"limit_price"`
	Status       OrderStatus         `json:"status" db:"status"`
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt    time.Time           `json:"updated_at" db:"updated_at"`
}

// EffectivePrice returns the limit price when set, otherwise the market price.
func (o *Order) EffectivePrice(market decimal.Decimal) decimal.Decimal {
	if o.LimitPrice.Valid {
		return o.LimitPrice.Decimal
	}
	return market
}

// ExpiredAt reports whether the order's expiration time is at or before now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Transaction is an immutable record of a completed trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Total is quantity × price. It is always derived from its inputs.
func (t Transaction) Total() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// MarshalJSON includes the derived total alongside the stored fields.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return json.Marshal(struct {
		plain
		Total decimal.Decimal `json:"total"`
	}{plain(t), t.Total()})
}

// Position is an account's holding of one instrument. The (AccountID,
// InstrumentID) pair is unique; rows with zero quantity are removed.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Value is quantity × average price (cost basis of the holding).
func (p Position) Value() decimal.Decimal {
	return p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
}

// MarshalJSON includes the derived value alongside the stored fields.
func (p Position) MarshalJSON() ([]byte, error) {
	type plain Position
	return json.Marshal(struct {
		plain
		Value decimal.Decimal `json:"value"`
	}{plain(p), p.Value()})
}
