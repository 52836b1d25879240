package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/trade-ledger/internal/model"
)

// Row types keep gorm tags out of the domain model.

type accountRow struct {
	ID          string          `gorm:"primaryKey"`
	Name        string          `gorm:"not null;default:''"`
	CashBalance decimal.Decimal `gorm:"type:text;not null"`
	Status      string          `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"autoCreateTime:false"`
}

func (accountRow) TableName() string { return "accounts" }

type instrumentRow struct {
	ID           string          `gorm:"primaryKey"`
	Symbol       string          `gorm:"uniqueIndex;not null"`
	Name         string          `gorm:"not null;default:''"`
	CurrentPrice decimal.Decimal `gorm:"type:text;not null"`
	Sector       string
	Exchange     string
}

func (instrumentRow) TableName() string { return "instruments" }

type orderRow struct {
	ID           string              `gorm:"primaryKey"`
	AccountID    string              `gorm:"index;not null"`
	InstrumentID string              `gorm:"not null"`
	Side         string              `gorm:"not null"`
	Quantity     int64               `gorm:"not null;check:quantity > 0"`
	LimitPrice   decimal.NullDecimal `gorm:"type:text"`
	Status       string              `gorm:"index;not null"`
	CreatedAt    time.Time           `gorm:"autoCreateTime:false"`
	ExpiresAt    *time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (orderRow) TableName() string { return "orders" }

type positionRow struct {
	AccountID    string          `gorm:"primaryKey"`
	InstrumentID string          `gorm:"primaryKey"`
	Quantity     int64           `gorm:"not null;check:quantity > 0"`
	AveragePrice decimal.Decimal `gorm:"type:text;not null"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime:false"`
}

func (positionRow) TableName() string { return "positions" }

type transactionRow struct {
	ID           string          `gorm:"primaryKey"`
	OrderID      string          `gorm:"uniqueIndex;not null"`
	AccountID    string          `gorm:"index;not null"`
	InstrumentID string          `gorm:"not null"`
	Side         string          `gorm:"not null"`
	Quantity     int64           `gorm:"not null"`
	Price        decimal.Decimal `gorm:"type:text;not null"`
	Timestamp    time.Time
}

func (transactionRow) TableName() string { return "transactions" }

// SQLiteStore implements Store on an embedded SQLite database through gorm,
// using the pure-Go glebarez driver. SQLite allows one writer at a time, so
// the pool is pinned to a single connection.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and migrates the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&accountRow{}, &instrumentRow{}, &orderRow{}, &positionRow{}, &transactionRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.CashBalance.IsNegative() {
		return ErrInvariantViolation
	}
	row := accountRow{ID: a.ID, Name: a.Name, CashBalance: a.CashBalance, Status: string(a.Status), CreatedAt: a.CreatedAt}
	return mapGormError("create account "+a.ID, s.db.WithContext(ctx).Create(&row).Error)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapGormError("get account "+id, err)
	}
	a := row.toModel()
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Reference data ---

func (s *SQLiteStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	row := instrumentRow{
		ID: inst.ID, Symbol: inst.Symbol, Name: inst.Name,
		CurrentPrice: inst.CurrentPrice, Sector: inst.Sector, Exchange: inst.Exchange,
	}
	return mapGormError("create instrument "+inst.Symbol, s.db.WithContext(ctx).Create(&row).Error)
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var row instrumentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapGormError("get instrument "+id, err)
	}
	inst := row.toModel()
	return &inst, nil
}

func (s *SQLiteStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	var row instrumentRow
	if err := s.db.WithContext(ctx).First(&row, "symbol = ?", symbol).Error; err != nil {
		return nil, mapGormError("get instrument by symbol "+symbol, err)
	}
	inst := row.toModel()
	return &inst, nil
}

func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var rows []instrumentRow
	if err := s.db.WithContext(ctx).Order("symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&instrumentRow{}).Where("id = ?", id).Update("current_price", price)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Orders ---

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.Order) error {
	row := orderRow{
		ID: o.ID, AccountID: o.AccountID, InstrumentID: o.InstrumentID,
		Side: string(o.Side), Quantity: o.Quantity, LimitPrice: o.LimitPrice,
		Status: string(o.Status), CreatedAt: o.CreatedAt, ExpiresAt: o.ExpiresAt, UpdatedAt: o.UpdatedAt,
	}
	return mapGormError("create order "+o.ID, s.db.WithContext(ctx).Create(&row).Error)
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var row orderRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapGormError("get order "+id, err)
	}
	o := row.toModel()
	return &o, nil
}

func (s *SQLiteStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return orderRowsToModel(rows), nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return orderRowsToModel(rows), nil
}

// ListExpiredPending filters on expiry in Go: SQLite stores timestamps as
// text, and comparing them in SQL depends on every writer using one layout.
func (s *SQLiteStore) ListExpiredPending(ctx context.Context, now time.Time) ([]model.Order, error) {
	var rows []orderRow
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL", string(model.OrderPending)).
		Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Order
	for _, o := range orderRowsToModel(rows) {
		if o.ExpiredAt(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *SQLiteStore) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderRow{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(map[string]any{"status": string(to), "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&orderRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
			}
			return fmt.Errorf("order %s: %w", id, model.ErrOrderNotPending)
		}
		return nil
	})
}

// --- Positions ---

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).
		First(&row, "account_id = ? AND instrument_id = ?", accountID, instrumentID).Error
	if err != nil {
		return nil, mapGormError("get position "+accountID+"/"+instrumentID, err)
	}
	p := row.toModel()
	return &p, nil
}

func (s *SQLiteStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("instrument_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) GetAccountWithPositions(ctx context.Context, accountID string) (*model.Account, []model.Position, error) {
	var (
		acct accountRow
		rows []positionRow
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&acct, "id = ?", accountID).Error; err != nil {
			return mapGormError("get account "+accountID, err)
		}
		return tx.Where("account_id = ?", accountID).Order("instrument_id").Find(&rows).Error
	})
	if err != nil {
		return nil, nil, err
	}
	a := acct.toModel()
	positions := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		positions = append(positions, r.toModel())
	}
	return &a, positions, nil
}

func (s *SQLiteStore) SeedPosition(ctx context.Context, p *model.Position) error {
	if p.Quantity <= 0 || !p.AveragePrice.IsPositive() {
		return ErrInvariantViolation
	}
	row := positionRow{
		AccountID: p.AccountID, InstrumentID: p.InstrumentID,
		Quantity: p.Quantity, AveragePrice: p.AveragePrice, UpdatedAt: p.UpdatedAt,
	}
	return mapGormError("seed position", s.db.WithContext(ctx).Create(&row).Error)
}

// --- Immutable ledger ---

func (s *SQLiteStore) GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error) {
	var row transactionRow
	if err := s.db.WithContext(ctx).First(&row, "order_id = ?", orderID).Error; err != nil {
		return nil, mapGormError("get transaction for order "+orderID, err)
	}
	t := row.toModel()
	return &t, nil
}

func (s *SQLiteStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("timestamp, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) ApplyExecution(ctx context.Context, exec *Execution) error {
	if err := checkExecution(exec); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct accountRow
		if err := tx.First(&acct, "id = ?", exec.AccountID).Error; err != nil {
			return mapGormError("load account "+exec.AccountID, err)
		}
		if !acct.CashBalance.Equal(exec.PrevCash) {
			return ErrStaleWrite
		}

		res := tx.Model(&orderRow{}).
			Where("id = ? AND status = ?", exec.OrderID, string(model.OrderPending)).
			Updates(map[string]any{"status": string(model.OrderExecuted), "updated_at": exec.ExecutedAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order %s: %w", exec.OrderID, model.ErrOrderNotPending)
		}

		if err := tx.Model(&accountRow{}).Where("id = ?", exec.AccountID).
			Update("cash_balance", exec.NewCash).Error; err != nil {
			return err
		}

		p := exec.Position
		if p.Quantity == 0 {
			if err := tx.Where("account_id = ? AND instrument_id = ?", p.AccountID, p.InstrumentID).
				Delete(&positionRow{}).Error; err != nil {
				return err
			}
		} else {
			row := positionRow{
				AccountID: p.AccountID, InstrumentID: p.InstrumentID,
				Quantity: p.Quantity, AveragePrice: p.AveragePrice, UpdatedAt: p.UpdatedAt,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "instrument_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"quantity", "average_price", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}

		t := exec.Transaction
		row := transactionRow{
			ID: t.ID, OrderID: t.OrderID, AccountID: t.AccountID, InstrumentID: t.InstrumentID,
			Side: string(t.Side), Quantity: t.Quantity, Price: t.Price, Timestamp: t.Timestamp,
		}
		return mapGormError("insert transaction "+t.ID, tx.Create(&row).Error)
	})
}

func mapGormError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", op, model.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r accountRow) toModel() model.Account {
	return model.Account{
		ID: r.ID, Name: r.Name, CashBalance: r.CashBalance,
		Status: model.AccountStatus(r.Status), CreatedAt: r.CreatedAt,
	}
}

func (r instrumentRow) toModel() model.Instrument {
	return model.Instrument{
		ID: r.ID, Symbol: r.Symbol, Name: r.Name,
		CurrentPrice: r.CurrentPrice, Sector: r.Sector, Exchange: r.Exchange,
	}
}

func (r orderRow) toModel() model.Order {
	return model.Order{
		ID: r.ID, AccountID: r.AccountID, InstrumentID: r.InstrumentID,
		Side: model.Side(r.Side), Quantity: r.Quantity, LimitPrice: r.LimitPrice,
		Status: model.OrderStatus(r.Status), CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, UpdatedAt: r.UpdatedAt,
	}
}

func orderRowsToModel(rows []orderRow) []model.Order {
	out := make([]model.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

func (r positionRow) toModel() model.Position {
	return model.Position{
		AccountID: r.AccountID, InstrumentID: r.InstrumentID,
		Quantity: r.Quantity, AveragePrice: r.AveragePrice, UpdatedAt: r.UpdatedAt,
	}
}

func (r transactionRow) toModel() model.Transaction {
	return model.Transaction{
		ID: r.ID, OrderID: r.OrderID, AccountID: r.AccountID, InstrumentID: r.InstrumentID,
		Side: model.Side(r.Side), Quantity: r.Quantity, Price: r.Price, Timestamp: r.Timestamp,
	}
}
