// Package api provides the HTTP and WebSocket surface of the trade ledger:
// account and instrument administration, order submission, execution and
// cancellation, and read-only portfolio queries.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/execution"
	"github.com/atmx/trade-ledger/internal/instrument"
	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/query"
	"github.com/atmx/trade-ledger/internal/store"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine *execution.Engine
	query  *query.Service
	store  store.Store
	hub    *WSHub // optional; nil disables price broadcasts
	logger *slog.Logger
}

// NewHandler creates a Handler. Pass nil for hub if WebSocket broadcasting
// is not needed.
func NewHandler(engine *execution.Engine, st store.Store, hub *WSHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		query:  query.New(st),
		store:  st,
		hub:    hub,
		logger: logger,
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	ID          string              `json:"id,omitempty"` // generated when empty
	Name        string              `json:"name"`
	CashBalance decimal.Decimal     `json:"cash_balance"`
	Status      model.AccountStatus `json:"status,omitempty"` // defaults to ACTIVE
}

// AccountStatusRequest is the JSON body for PUT /accounts/{accountID}/status.
type AccountStatusRequest struct {
	Status model.AccountStatus `json:"status"`
}

// CreateInstrumentRequest is the JSON body for POST /instruments.
type CreateInstrumentRequest struct {
	ID           string          `json:"id,omitempty"`
	Symbol       string          `json:"symbol"` // SYMBOL or EXCHANGE:SYMBOL
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Sector       string          `json:"sector"`
	Exchange     string          `json:"exchange"`
}

// PriceRequest is the JSON body for PUT /instruments/{symbol}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SubmitOrderRequest is the JSON body for POST /orders. Either
// instrument_id or symbol identifies the instrument; a missing limit_price
// means the order executes at the market price.
type SubmitOrderRequest struct {
	AccountID    string           `json:"account_id"`
	InstrumentID string           `json:"instrument_id,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	Side         string           `json:"side"`
	Quantity     int64            `json:"quantity"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
}

// ExecuteResponse is the JSON body returned from POST /orders/{orderID}/execute.
type ExecuteResponse struct {
	Order       *model.Order       `json:"order"`
	Transaction *model.Transaction `json:"transaction"`
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		h.writeErr(w, r, badRequest("name is required"))
		return
	}
	if req.CashBalance.IsNegative() {
		h.writeErr(w, r, badRequest("cash_balance must not be negative"))
		return
	}
	status := req.Status
	if status == "" {
		status = model.AccountActive
	}
	if !status.Valid() {
		h.writeErr(w, r, badRequest("unknown account status %q", req.Status))
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	acct := &model.Account{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		CashBalance: req.CashBalance,
		Status:      status,
		CreatedAt:   h.engine.Now(),
	}
	if err := h.store.CreateAccount(r.Context(), acct); err != nil {
		h.writeErr(w, r, storeFailure("create account", err))
		return
	}

	h.logger.Info("account created", "account", acct.ID, "cash", acct.CashBalance.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeErr(w, r, storeFailure("get account", err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// SetAccountStatus handles PUT /api/v1/accounts/{accountID}/status
func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req AccountStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	acct, err := h.engine.SetAccountStatus(r.Context(), chi.URLParam(r, "accountID"), req.Status)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListAccountOrders handles GET /api/v1/accounts/{accountID}/orders
// Optionally filtered by ?status=PENDING|EXECUTED|CANCELLED|EXPIRED.
func (h *Handler) ListAccountOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	orders, err := h.store.ListOrdersByAccount(r.Context(), accountID)
	if err != nil {
		h.writeErr(w, r, storeFailure("list orders", err))
		return
	}

	filtered := make([]model.Order, 0, len(orders))
	status := model.OrderStatus(strings.ToUpper(r.URL.Query().Get("status")))
	for _, o := range orders {
		if status == "" || o.Status == status {
			filtered = append(filtered, o)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// ListAccountPositions handles GET /api/v1/accounts/{accountID}/positions
func (h *Handler) ListAccountPositions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	positions, err := h.store.ListPositionsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeErr(w, r, storeFailure("list positions", err))
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListAccountTransactions handles GET /api/v1/accounts/{accountID}/transactions
func (h *Handler) ListAccountTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	txs, err := h.store.ListTransactionsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeErr(w, r, storeFailure("list transactions", err))
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// LatestTransaction handles GET /api/v1/accounts/{accountID}/transactions/latest
func (h *Handler) LatestTransaction(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	tx, err := h.query.LatestTransaction(r.Context(), accountID)
	if err != nil {
		h.writeErr(w, r, storeFailure("latest transaction", err))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
// Returns cost basis, market value and exposure per sector.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.query.PortfolioValue(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeErr(w, r, storeFailure("portfolio", err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetOrderStats handles GET /api/v1/accounts/{accountID}/stats
func (h *Handler) GetOrderStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.query.OrderStats(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.writeErr(w, r, storeFailure("order stats", err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// OrderCountsBySide handles GET /api/v1/stats/orders
func (h *Handler) OrderCountsBySide(w http.ResponseWriter, r *http.Request) {
	counts, err := h.query.OrderCountsBySide(r.Context())
	if err != nil {
		h.writeErr(w, r, storeFailure("order counts", err))
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// --- Instruments ---

// CreateInstrument handles POST /api/v1/instruments
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	inst := &model.Instrument{
		ID:           id,
		Symbol:       req.Symbol,
		Name:         strings.TrimSpace(req.Name),
		CurrentPrice: req.CurrentPrice,
		Sector:       strings.TrimSpace(req.Sector),
		Exchange:     req.Exchange,
	}
	if err := instrument.Validate(inst); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.store.CreateInstrument(r.Context(), inst); err != nil {
		h.writeErr(w, r, storeFailure("create instrument", err))
		return
	}

	h.logger.Info("instrument created",
		"id", inst.ID,
		"symbol", inst.Symbol,
		"exchange", inst.Exchange,
		"price", inst.CurrentPrice.String(),
	)
	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/instruments
// Optionally filtered by ?sector=<name> or ?exchange=<code>.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := h.store.ListInstruments(r.Context())
	if err != nil {
		h.writeErr(w, r, storeFailure("list instruments", err))
		return
	}

	sector := r.URL.Query().Get("sector")
	exchange := strings.ToUpper(r.URL.Query().Get("exchange"))
	filtered := make([]model.Instrument, 0, len(insts))
	for _, inst := range insts {
		if sector != "" && !strings.EqualFold(inst.Sector, sector) {
			continue
		}
		if exchange != "" && inst.Exchange != exchange {
			continue
		}
		filtered = append(filtered, inst)
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetInstrument handles GET /api/v1/instruments/{symbol}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instrumentBySymbol(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// UpdatePrice handles PUT /api/v1/instruments/{symbol}/price
// Broadcasts price_updated to WebSocket clients.
func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !req.Price.IsPositive() {
		h.writeErr(w, r, badRequest("price must be positive"))
		return
	}

	inst, err := h.instrumentBySymbol(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.store.UpdateInstrumentPrice(r.Context(), inst.ID, req.Price); err != nil {
		h.writeErr(w, r, storeFailure("update price", err))
		return
	}
	old := inst.CurrentPrice
	inst.CurrentPrice = req.Price

	h.logger.Info("price updated", "symbol", inst.Symbol, "from", old.String(), "to", req.Price.String())
	if h.hub != nil {
		h.hub.BroadcastPrice(inst, h.engine.Now())
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders
// Validates and records a PENDING order; nothing else changes.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}

	// --- Input validation ---
	if req.AccountID == "" {
		h.writeErr(w, r, badRequest("account_id is required"))
		return
	}
	if req.InstrumentID == "" && req.Symbol == "" {
		h.writeErr(w, r, badRequest("instrument_id or symbol is required"))
		return
	}
	side := model.Side(strings.ToUpper(req.Side))
	if !side.Valid() {
		h.writeErr(w, r, badRequest("side must be BUY or SELL"))
		return
	}

	sub := execution.SubmitRequest{
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Symbol:       req.Symbol,
		Side:         side,
		Quantity:     req.Quantity,
		ExpiresAt:    req.ExpiresAt,
	}
	if req.LimitPrice != nil {
		sub.LimitPrice = decimal.NewNullDecimal(*req.LimitPrice)
	}

	o, err := h.engine.Submit(r.Context(), sub)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeErr(w, r, storeFailure("get order", err))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ExecuteOrder handles POST /api/v1/orders/{orderID}/execute
// Returns the executed order and its ledger transaction.
func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx := r.Context()

	tx, err := h.engine.Execute(ctx, orderID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	o, err := h.store.GetOrder(ctx, orderID)
	if err != nil {
		h.writeErr(w, r, storeFailure("get order", err))
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Order: o, Transaction: tx})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- helpers ---

// requireAccount resolves the {accountID} path parameter, writing 404 when
// the account does not exist.
func (h *Handler) requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
		h.writeErr(w, r, storeFailure("get account", err))
		return "", false
	}
	return accountID, true
}

// instrumentBySymbol resolves the {symbol} path parameter, which may be
// exchange-qualified.
func (h *Handler) instrumentBySymbol(r *http.Request) (*model.Instrument, error) {
	ref, err := instrument.ParseSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		return nil, err
	}
	inst, err := h.store.GetInstrumentBySymbol(r.Context(), ref.Symbol)
	if err != nil {
		return nil, storeFailure("get instrument", err)
	}
	if ref.Exchange != "" && ref.Exchange != inst.Exchange {
		return nil, storeFailure("get instrument", model.ErrNotFound)
	}
	return inst, nil
}
