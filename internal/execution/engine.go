// Package execution applies orders to the ledger: it accepts new orders,
// executes or cancels pending ones, and expires those past their deadline.
//
// Every state change for an account happens while holding that account's
// lock, and every execution is written through a single
// store.ApplyExecution call, so balances and positions never interleave or
// land half-applied.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/instrument"
	"github.com/atmx/trade-ledger/internal/metrics"
	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/risk"
	"github.com/atmx/trade-ledger/internal/store"
	"github.com/atmx/trade-ledger/internal/validator"
)

// AveragePricePlaces is the precision kept for a position's average price.
const AveragePricePlaces = 8

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderExecuted  EventType = "order_executed"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderExpired   EventType = "order_expired"
)

// Event is published after an order reaches a terminal state.
type Event struct {
	Type        EventType
	Order       model.Order
	Transaction *model.Transaction // set for EventOrderExecuted
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// SubmitRequest describes a new order. The instrument is given either by
// InstrumentID or by Symbol (optionally EXCHANGE:SYMBOL).
type SubmitRequest struct {
	AccountID    string
	InstrumentID string
	Symbol       string
	Side         model.Side
	Quantity     int64
	LimitPrice   decimal.NullDecimal
	ExpiresAt    *time.Time
}

// Engine runs order submission, execution, cancellation and expiry.
type Engine struct {
	store       store.Store
	locker      Locker
	validator   *validator.Validator
	events      Publisher
	logger      *slog.Logger
	now         func() time.Time
	lockTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator sets the validator, e.g. one carrying a sector limiter.
func WithValidator(v *validator.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLockTimeout bounds how long an operation waits for an account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// NewEngine creates an engine over st, serializing accounts with locker.
func NewEngine(st store.Store, locker Locker, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		locker:      locker,
		validator:   validator.New(nil),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Submit validates a new order against the current state and persists it
// as PENDING. A rejected order is not stored.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.Order, error) {
	acct, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, e.reject("submit", storeErr("get account", err))
	}
	inst, err := e.resolveInstrument(ctx, req)
	if err != nil {
		return nil, e.reject("submit", err)
	}

	now := e.now()
	o := &model.Order{
		ID:           uuid.Must(uuid.NewV7()).String(),
		AccountID:    acct.ID,
		InstrumentID: inst.ID,
		Side:         req.Side,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		Status:       model.OrderPending,
		CreatedAt:    now,
		ExpiresAt:    req.ExpiresAt,
		UpdatedAt:    now,
	}

	snap, err := e.snapshot(ctx, acct, inst)
	if err != nil {
		return nil, e.reject("submit", err)
	}
	if err := e.validator.Validate(o, snap); err != nil {
		e.logger.Info("order rejected",
			"account", acct.ID,
			"symbol", inst.Symbol,
			"side", string(o.Side),
			"qty", o.Quantity,
			"reason", string(model.ReasonOf(err)),
		)
		return nil, e.reject("submit", err)
	}

	if err := e.store.CreateOrder(ctx, o); err != nil {
		return nil, e.reject("submit", storeErr("create order", err))
	}

	metrics.OrdersSubmitted.WithLabelValues(string(o.Side)).Inc()
	e.logger.Info("order submitted",
		"order", o.ID,
		"account", o.AccountID,
		"symbol", inst.Symbol,
		"side", string(o.Side),
		"qty", o.Quantity,
		"limit", limitString(o.LimitPrice),
	)
	return o, nil
}

// Execute applies a PENDING order at its effective price. See the package
// documentation for the locking model.
//
// Errors:
//   - model.ErrOrderNotPending: the order is already terminal; nothing changed.
//   - model.ErrOrderExpired: the order was past its expiry and is now EXPIRED.
//   - *model.ConflictError: re-validation failed; the order is now CANCELLED.
//   - *model.StoreError: persistence failed; the order is still PENDING.
func (e *Engine) Execute(ctx context.Context, orderID string) (*model.Transaction, error) {
	o, unlock, err := e.lockOrder(ctx, orderID)
	if err != nil {
		return nil, e.reject("execute", err)
	}
	defer unlock()

	start := time.Now()
	now := e.now()

	if o.Status != model.OrderPending {
		return nil, e.reject("execute", fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrOrderNotPending))
	}
	if o.ExpiredAt(now) {
		if err := e.expireLocked(ctx, o, now); err != nil {
			return nil, e.reject("execute", err)
		}
		return nil, e.reject("execute", fmt.Errorf("order %s: %w", o.ID, model.ErrOrderExpired))
	}

	acct, err := e.store.GetAccount(ctx, o.AccountID)
	if err != nil {
		return nil, e.reject("execute", storeErr("get account", err))
	}
	inst, err := e.store.GetInstrument(ctx, o.InstrumentID)
	if err != nil {
		return nil, e.reject("execute", storeErr("get instrument", err))
	}
	snap, err := e.snapshot(ctx, acct, inst)
	if err != nil {
		return nil, e.reject("execute", err)
	}

	if verr := e.validator.Validate(o, snap); verr != nil {
		if err := e.store.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderCancelled, now); err != nil {
			return nil, e.reject("execute", storeErr("cancel order", err))
		}
		o.Status = model.OrderCancelled
		o.UpdatedAt = now
		e.publish(Event{Type: EventOrderCancelled, Order: *o})

		cerr := &model.ConflictError{OrderID: o.ID, Reason: model.ReasonOf(verr), Cause: verr}
		e.logger.Warn("execution rejected",
			"order", o.ID,
			"account", o.AccountID,
			"reason", string(cerr.Reason),
			"err", verr,
		)
		return nil, e.reject("execute", cerr)
	}

	exec := buildExecution(o, acct, inst, snap.Position, now)
	if err := e.store.ApplyExecution(ctx, exec); err != nil {
		e.logger.Error("apply execution failed", "order", o.ID, "err", err)
		return nil, e.reject("execute", storeErr("apply execution", err))
	}

	tx := exec.Transaction
	o.Status = model.OrderExecuted
	o.UpdatedAt = now

	side := string(tx.Side)
	metrics.ExecutionsTotal.WithLabelValues(side).Inc()
	metrics.ExecutionLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	notional, _ := tx.Total().Float64()
	metrics.TradedNotional.WithLabelValues(side).Add(notional)

	e.logger.Info("order executed",
		"order", o.ID,
		"tx", tx.ID,
		"account", o.AccountID,
		"symbol", inst.Symbol,
		"side", side,
		"qty", tx.Quantity,
		"price", tx.Price.String(),
		"total", tx.Total().String(),
		"cash", exec.NewCash.String(),
	)
	e.publish(Event{Type: EventOrderExecuted, Order: *o, Transaction: &tx})
	return &tx, nil
}

// Cancel moves a PENDING order to CANCELLED. If an execution holds the
// account lock, Cancel waits for it and then reports ErrOrderNotPending.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	o, unlock, err := e.lockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if o.Status != model.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrOrderNotPending)
	}

	now := e.now()
	if err := e.store.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderCancelled, now); err != nil {
		return nil, storeErr("cancel order", err)
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = now

	e.logger.Info("order cancelled", "order", o.ID, "account", o.AccountID)
	e.publish(Event{Type: EventOrderCancelled, Order: *o})
	return o, nil
}

// SetAccountStatus changes an account's status under its lock, so the change
// never lands in the middle of an execution. CLOSED is terminal.
func (e *Engine) SetAccountStatus(ctx context.Context, accountID string, status model.AccountStatus) (*model.Account, error) {
	if !status.Valid() {
		return nil, model.NewValidationError(model.ReasonInvalidRequest, "unknown account status %q", status)
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, accountID)
	if err != nil {
		return nil, &model.StoreError{Op: "lock account", Err: err}
	}
	defer unlock()

	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, storeErr("get account", err)
	}
	if acct.Status == model.AccountClosed && status != model.AccountClosed {
		return nil, model.NewValidationError(model.ReasonAccountInactive, "account %s is closed", accountID)
	}
	if acct.Status == status {
		return acct, nil
	}
	if err := e.store.UpdateAccountStatus(ctx, accountID, status); err != nil {
		return nil, storeErr("update account status", err)
	}

	e.logger.Info("account status changed", "account", accountID, "from", acct.Status, "to", status)
	acct.Status = status
	return acct, nil
}

// ExpireDue moves every PENDING order whose expiry is at or before now to
// EXPIRED. It keeps going past individual failures and returns how many
// orders it expired along with the joined errors.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, storeErr("list expired orders", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := e.expireOne(ctx, candidate.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expireOne(ctx context.Context, orderID string, now time.Time) (bool, error) {
	o, unlock, err := e.lockOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-check under the lock: it may have executed or been cancelled since
	// the listing.
	if o.Status != model.OrderPending || !o.ExpiredAt(now) {
		return false, nil
	}
	if err := e.expireLocked(ctx, o, now); err != nil {
		return false, err
	}
	return true, nil
}

// expireLocked transitions o to EXPIRED. The caller holds the account lock.
func (e *Engine) expireLocked(ctx context.Context, o *model.Order, now time.Time) error {
	if err := e.store.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderExpired, now); err != nil {
		return storeErr("expire order", err)
	}
	o.Status = model.OrderExpired
	o.UpdatedAt = now

	metrics.OrdersExpired.Inc()
	e.logger.Info("order expired", "order", o.ID, "account", o.AccountID, "expires_at", o.ExpiresAt)
	e.publish(Event{Type: EventOrderExpired, Order: *o})
	return nil
}

// lockOrder looks up the order's account, locks it and re-reads the order
// so the caller sees the state as of lock acquisition.
func (e *Engine) lockOrder(ctx context.Context, orderID string) (*model.Order, func(), error) {
	peek, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, storeErr("get order", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(lockCtx, peek.AccountID)
	if err != nil {
		return nil, nil, &model.StoreError{Op: "lock account", Err: err}
	}

	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		unlock()
		return nil, nil, storeErr("get order", err)
	}
	return o, unlock, nil
}

// resolveInstrument finds the instrument by id, or by symbol when no id is
// given. A qualified symbol must match the instrument's exchange.
func (e *Engine) resolveInstrument(ctx context.Context, req SubmitRequest) (*model.Instrument, error) {
	if req.InstrumentID != "" {
		inst, err := e.store.GetInstrument(ctx, req.InstrumentID)
		if err != nil {
			return nil, storeErr("get instrument", err)
		}
		return inst, nil
	}

	ref, err := instrument.ParseSymbol(req.Symbol)
	if err != nil {
		return nil, model.NewValidationError(model.ReasonInvalidRequest, "%v", err)
	}
	inst, err := e.store.GetInstrumentBySymbol(ctx, ref.Symbol)
	if err != nil {
		return nil, storeErr("get instrument", err)
	}
	if ref.Exchange != "" && ref.Exchange != inst.Exchange {
		return nil, fmt.Errorf("symbol %s: %w", ref, model.ErrNotFound)
	}
	return inst, nil
}

// snapshot loads the position and, when the validator needs them, the
// account's sector exposures.
func (e *Engine) snapshot(ctx context.Context, acct *model.Account, inst *model.Instrument) (validator.Snapshot, error) {
	snap := validator.Snapshot{Account: acct, Instrument: inst}

	pos, err := e.store.GetPosition(ctx, acct.ID, inst.ID)
	switch {
	case err == nil:
		snap.Position = pos
	case errors.Is(err, model.ErrNotFound):
	default:
		return snap, storeErr("get position", err)
	}

	if !e.validator.NeedsExposures() {
		return snap, nil
	}
	positions, err := e.store.ListPositionsByAccount(ctx, acct.ID)
	if err != nil {
		return snap, storeErr("list positions", err)
	}
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return snap, storeErr("list instruments", err)
	}
	sectors := make(map[string]string, len(instruments))
	for _, i := range instruments {
		sectors[i.ID] = i.Sector
	}
	snap.Exposures = risk.Exposures(positions, sectors)
	return snap, nil
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// reject counts a failed operation by reason and passes err through.
func (e *Engine) reject(stage string, err error) error {
	metrics.Rejections.WithLabelValues(stage, string(model.ReasonOf(err))).Inc()
	return err
}

// buildExecution computes the writes for executing o at its effective price
// against the given snapshot. pos is nil when the account holds none.
func buildExecution(o *model.Order, acct *model.Account, inst *model.Instrument, pos *model.Position, now time.Time) *store.Execution {
	price := o.EffectivePrice(inst.CurrentPrice)
	qty := decimal.NewFromInt(o.Quantity)
	notional := price.Mul(qty)

	next := model.Position{
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		UpdatedAt:    now,
	}
	var newCash decimal.Decimal

	switch o.Side {
	case model.SideBuy:
		newCash = acct.CashBalance.Sub(notional)
		if pos == nil {
			next.Quantity = o.Quantity
			next.AveragePrice = price
		} else {
			next.Quantity = pos.Quantity + o.Quantity
			next.AveragePrice = WeightedAverage(pos.Quantity, pos.AveragePrice, o.Quantity, price)
		}
	case model.SideSell:
		newCash = acct.CashBalance.Add(notional)
		next.Quantity = pos.Quantity - o.Quantity
		if next.Quantity > 0 {
			next.AveragePrice = pos.AveragePrice
		}
	}

	return &store.Execution{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		PrevCash:  acct.CashBalance,
		NewCash:   newCash,
		Position:  next,
		Transaction: model.Transaction{
			ID:           uuid.Must(uuid.NewV7()).String(),
			OrderID:      o.ID,
			AccountID:    o.AccountID,
			InstrumentID: o.InstrumentID,
			Side:         o.Side,
			Quantity:     o.Quantity,
			Price:        price,
			Timestamp:    now,
		},
		ExecutedAt: now,
	}
}

// WeightedAverage returns (oldQty×oldAvg + addQty×price) / (oldQty+addQty),
// rounded to AveragePricePlaces.
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, addQty int64, price decimal.Decimal) decimal.Decimal {
	total := oldQty + addQty
	if total == 0 {
		return decimal.Zero
	}
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(addQty)))
	return cost.DivRound(decimal.NewFromInt(total), AveragePricePlaces)
}

// storeErr classifies a store error: lookups that failed and lost
// compare-and-set races keep their sentinel, anything else is a retryable
// StoreError.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrOrderNotPending),
		errors.Is(err, model.ErrAlreadyExists):
		return err
	}
	return &model.StoreError{Op: op, Err: err}
}

func limitString(p decimal.NullDecimal) string {
	if !p.Valid {
		return "market"
	}
	return p.Decimal.String()
}
