// Package query provides read-only projections over the ledger: portfolio
// value, order statistics and the latest transaction per account. Nothing
// here writes to the store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/store"
)

// Holding is a position enriched with its instrument's market data.
type Holding struct {
	model.Position
	Symbol       string          `json:"symbol"`
	Sector       string          `json:"sector"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
}

// MarshalJSON flattens the position next to the market data. The embedded
// Position's own MarshalJSON would otherwise be promoted and drop them.
func (h Holding) MarshalJSON() ([]byte, error) {
	type plain model.Position
	return json.Marshal(struct {
		plain
		Value        decimal.Decimal `json:"value"`
		Symbol       string          `json:"symbol"`
		Sector       string          `json:"sector"`
		CurrentPrice decimal.Decimal `json:"current_price"`
		MarketValue  decimal.Decimal `json:"market_value"`
	}{plain(h.Position), h.Value(), h.Symbol, h.Sector, h.CurrentPrice, h.MarketValue})
}

// Portfolio summarizes an account's cash and holdings.
type Portfolio struct {
	AccountID   string          `json:"account_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	// CostBasis is Σ quantity × average price.
	CostBasis decimal.Decimal `json:"cost_basis"`
	// MarketValue is Σ quantity × current price.
	MarketValue      decimal.Decimal            `json:"market_value"`
	UnrealizedPnL    decimal.Decimal            `json:"unrealized_pnl"`
	ExposureBySector map[string]decimal.Decimal `json:"exposure_by_sector"`
	Holdings         []Holding                  `json:"holdings"`
}

// OrderStats counts one account's orders.
type OrderStats struct {
	AccountID string                    `json:"account_id"`
	Total     int                       `json:"total"`
	BySide    map[model.Side]int        `json:"by_side"`
	ByStatus  map[model.OrderStatus]int `json:"by_status"`
}

// SideCount is the number of BUY and SELL orders placed by one account.
type SideCount struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Buy       int    `json:"buy"`
	Sell      int    `json:"sell"`
}

// Service answers read-only queries.
type Service struct {
	store store.Store
}

// New creates a query service over st.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// PortfolioValue returns cost basis and market value of an account's
// holdings. Cash and positions are read as one snapshot; instrument prices
// are read afterwards and may be newer.
func (s *Service) PortfolioValue(ctx context.Context, accountID string) (*Portfolio, error) {
	acct, positions, err := s.store.GetAccountWithPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		AccountID:        accountID,
		CashBalance:      acct.CashBalance,
		CostBasis:        decimal.Zero,
		MarketValue:      decimal.Zero,
		ExposureBySector: make(map[string]decimal.Decimal),
		Holdings:         make([]Holding, 0, len(positions)),
	}
	for _, pos := range positions {
		inst, err := s.store.GetInstrument(ctx, pos.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", pos.InstrumentID, err)
		}
		mv := inst.CurrentPrice.Mul(decimal.NewFromInt(pos.Quantity))
		p.Holdings = append(p.Holdings, Holding{
			Position:     pos,
			Symbol:       inst.Symbol,
			Sector:       inst.Sector,
			CurrentPrice: inst.CurrentPrice,
			MarketValue:  mv,
		})
		p.CostBasis = p.CostBasis.Add(pos.Value())
		p.MarketValue = p.MarketValue.Add(mv)
		p.ExposureBySector[inst.Sector] = p.ExposureBySector[inst.Sector].Add(pos.Value())
	}
	p.UnrealizedPnL = p.MarketValue.Sub(p.CostBasis)
	return p, nil
}

// OrderStats counts an account's orders by side and by status.
func (s *Service) OrderStats(ctx context.Context, accountID string) (*OrderStats, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrdersByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	st := &OrderStats{
		AccountID: accountID,
		Total:     len(orders),
		BySide:    map[model.Side]int{model.SideBuy: 0, model.SideSell: 0},
		ByStatus:  make(map[model.OrderStatus]int),
	}
	for _, o := range orders {
		st.BySide[o.Side]++
		st.ByStatus[o.Status]++
	}
	return st, nil
}

// OrderCountsBySide counts BUY and SELL orders for every account, ordered
// by account ID. Accounts with no orders are included with zero counts.
func (s *Service) OrderCountsBySide(ctx context.Context) ([]SideCount, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	orders, err := s.store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	idx := make(map[string]int, len(accounts))
	out := make([]SideCount, len(accounts))
	for i, a := range accounts {
		idx[a.ID] = i
		out[i] = SideCount{AccountID: a.ID, Name: a.Name}
	}
	for _, o := range orders {
		i, ok := idx[o.AccountID]
		if !ok {
			continue
		}
		switch o.Side {
		case model.SideBuy:
			out[i].Buy++
		case model.SideSell:
			out[i].Sell++
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// LatestTransaction returns the most recent transaction for an account, or
// an error matching model.ErrNotFound when it has none.
func (s *Service) LatestTransaction(ctx context.Context, accountID string) (*model.Transaction, error) {
	txs, err := s.store.ListTransactionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transactions for account %s: %w", accountID, model.ErrNotFound)
	}
	latest := txs[0]
	for _, tx := range txs[1:] {
		// Equal timestamps fall back to the ID: transaction IDs are UUIDv7,
		// so the greater one was issued later on every backend.
		if tx.Timestamp.After(latest.Timestamp) ||
			(tx.Timestamp.Equal(latest.Timestamp) && tx.ID > latest.ID) {
			latest = tx
		}
	}
	return &latest, nil
}
