package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

type positionKey struct {
	accountID    string
	instrumentID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	instruments map[string]*model.Instrument
	symbols     map[string]string // symbol → instrument ID
	orders      map[string]*model.Order
	positions   map[positionKey]*model.Position
	ledger      []model.Transaction
	byOrder     map[string]int // order ID → ledger index
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		instruments: make(map[string]*model.Instrument),
		symbols:     make(map[string]string),
		orders:      make(map[string]*model.Order),
		positions:   make(map[positionKey]*model.Position),
		byOrder:     make(map[string]int),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAlreadyExists)
	}
	if a.CashBalance.IsNegative() {
		return ErrInvariantViolation
	}
	// Store a copy to avoid external mutation.
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) UpdateAccountStatus(_ context.Context, id string, status model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrAlreadyExists)
	}
	if _, ok := s.symbols[inst.Symbol]; ok {
		return fmt.Errorf("symbol %s: %w", inst.Symbol, model.ErrAlreadyExists)
	}
	cp := *inst
	s.instruments[inst.ID] = &cp
	s.symbols[inst.Symbol] = inst.ID
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, model.ErrNotFound)
	}
	cp := *s.instruments[id]
	return &cp, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	inst.CurrentPrice = price
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrAlreadyExists)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) ListOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.OrderPending && o.ExpiredAt(now) {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) TransitionOrder(_ context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, model.ErrOrderNotPending)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{accountID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, instrumentID, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (s *MemoryStore) GetAccountWithPositions(_ context.Context, accountID string) (*model.Account, []model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, nil, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	acct := *a

	var positions []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].InstrumentID < positions[j].InstrumentID })
	return &acct, positions, nil
}

func (s *MemoryStore) SeedPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Quantity <= 0 || !p.AveragePrice.IsPositive() {
		return ErrInvariantViolation
	}
	k := positionKey{p.AccountID, p.InstrumentID}
	if _, ok := s.positions[k]; ok {
		return fmt.Errorf("position %s/%s: %w", p.AccountID, p.InstrumentID, model.ErrAlreadyExists)
	}
	cp := *p
	s.positions[k] = &cp
	return nil
}

func (s *MemoryStore) GetTransactionByOrder(_ context.Context, orderID string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("transaction for order %s: %w", orderID, model.ErrNotFound)
	}
	tx := s.ledger[idx]
	return &tx, nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, tx := range s.ledger {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ApplyExecution checks every precondition before touching any map, so a
// rejected execution leaves no trace.
func (s *MemoryStore) ApplyExecution(_ context.Context, exec *Execution) error {
	if err := checkExecution(exec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[exec.OrderID]
	if !ok {
		return fmt.Errorf("order %s: %w", exec.OrderID, model.ErrNotFound)
	}
	if o.Status != model.OrderPending {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrOrderNotPending)
	}
	if _, dup := s.byOrder[exec.OrderID]; dup {
		return fmt.Errorf("transaction for order %s: %w", exec.OrderID, model.ErrAlreadyExists)
	}
	a, ok := s.accounts[exec.AccountID]
	if !ok {
		return fmt.Errorf("account %s: %w", exec.AccountID, model.ErrNotFound)
	}
	if !a.CashBalance.Equal(exec.PrevCash) {
		return ErrStaleWrite
	}

	a.CashBalance = exec.NewCash

	k := positionKey{exec.Position.AccountID, exec.Position.InstrumentID}
	if exec.Position.Quantity == 0 {
		delete(s.positions, k)
	} else {
		p := exec.Position
		s.positions[k] = &p
	}

	s.ledger = append(s.ledger, exec.Transaction)
	s.byOrder[exec.OrderID] = len(s.ledger) - 1

	o.Status = model.OrderExecuted
	o.UpdatedAt = exec.ExecutedAt
	return nil
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
