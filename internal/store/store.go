// Package store defines the persistence interface for the trade ledger.
// Implementations include PostgreSQL (source of truth), SQLite via gorm
// (single-node deployments), Redis (read-through cache), and in-memory
// (default, and for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

var (
	// ErrStaleWrite is returned by ApplyExecution when the account balance no
	// longer matches the snapshot the execution was computed from.
	ErrStaleWrite = errors.New("store: stale write")

	// ErrInvariantViolation is returned when a write would leave a negative
	// cash balance or position quantity.
	ErrInvariantViolation = errors.New("store: invariant violation")
)

// Execution is the full set of writes produced by executing one order.
// ApplyExecution applies all of them or none.
type Execution struct {
	OrderID string
	// AccountID and PrevCash identify the balance the engine read; the write
	// is rejected with ErrStaleWrite if it changed.
	AccountID string
	PrevCash  decimal.Decimal
	NewCash   decimal.Decimal
	// Position is the resulting holding; Quantity 0 removes the row.
	Position    model.Position
	Transaction model.Transaction
	ExecutedAt  time.Time
}

// Store is the persistence interface. Not-found lookups return an error
// matching model.ErrNotFound; duplicate keys return model.ErrAlreadyExists.
type Store interface {
	// --- Accounts ---

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error

	// --- Reference data ---

	CreateInstrument(ctx context.Context, inst *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error

	// --- Orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)
	ListOrders(ctx context.Context) ([]model.Order, error)

	// ListExpiredPending returns PENDING orders whose expiration is at or
	// before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]model.Order, error)

	// TransitionOrder moves an order from one status to another. It returns
	// model.ErrOrderNotPending if the order is not currently in from.
	TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error

	// --- Positions ---

	GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error)
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// GetAccountWithPositions returns an account and its positions as of one
	// committed state: never a balance from before an execution alongside
	// positions from after it.
	GetAccountWithPositions(ctx context.Context, accountID string) (*model.Account, []model.Position, error)

	// SeedPosition inserts an opening holding (fixtures only).
	SeedPosition(ctx context.Context, p *model.Position) error

	// --- Immutable ledger ---

	GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// ApplyExecution is the single mutating entry point for order execution.
	ApplyExecution(ctx context.Context, exec *Execution) error
}

// checkExecution enforces the invariants every backend applies before
// writing an execution.
func checkExecution(exec *Execution) error {
	if exec.NewCash.IsNegative() || exec.Position.Quantity < 0 {
		return ErrInvariantViolation
	}
	if exec.Position.Quantity > 0 && !exec.Position.AveragePrice.IsPositive() {
		return ErrInvariantViolation
	}
	return nil
}
