package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool for dsn, applies maxConns when positive, and pings.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations in lexical order, recording each in
// schema_migrations so reruns are no-ops.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.CashBalance.IsNegative() {
		return ErrInvariantViolation
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, cash_balance, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		a.ID, a.Name, a.CashBalance.String(), string(a.Status), a.CreatedAt,
	)
	return mapPgError("create account "+a.ID, err)
}

// querier is the read surface shared by the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func getAccount(ctx context.Context, q querier, id string) (*model.Account, error) {
	var a model.Account
	var cash, status string

	err := q.QueryRow(ctx,
		`SELECT id, name, cash_balance::TEXT, status, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &cash, &status, &a.CreatedAt)
	if err != nil {
		return nil, mapPgError("get account "+id, err)
	}
	a.CashBalance, _ = decimal.NewFromString(cash)
	a.Status = model.AccountStatus(status)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, cash_balance::TEXT, status, created_at
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var cash, status string
		if err := rows.Scan(&a.ID, &a.Name, &cash, &status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CashBalance, _ = decimal.NewFromString(cash)
		a.Status = model.AccountStatus(status)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Reference data ---

const instrumentCols = `id, symbol, name, current_price::TEXT, sector, exchange`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var price string
	if err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &price, &inst.Sector, &inst.Exchange); err != nil {
		return nil, err
	}
	inst.CurrentPrice, _ = decimal.NewFromString(price)
	return &inst, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, current_price, sector, exchange)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		inst.ID, inst.Symbol, inst.Name, inst.CurrentPrice.String(), inst.Sector, inst.Exchange,
	)
	return mapPgError("create instrument "+inst.Symbol, err)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentCols+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError("get instrument "+id, err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentCols+` FROM instruments WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, mapPgError("get instrument by symbol "+symbol, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instrumentCols+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET current_price = $2::NUMERIC WHERE id = $1`, id, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Orders ---

const orderCols = `id, account_id, instrument_id, side, quantity, limit_price::TEXT,
	status, created_at, expires_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var side, status string
	var limit *string
	if err := row.Scan(&o.ID, &o.AccountID, &o.InstrumentID, &side, &o.Quantity, &limit,
		&status, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	if limit != nil {
		d, _ := decimal.NewFromString(*limit)
		o.LimitPrice = decimal.NewNullDecimal(d)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	var limit *string
	if o.LimitPrice.Valid {
		v := o.LimitPrice.Decimal.String()
		limit = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, instrument_id, side, quantity, limit_price,
		                     status, created_at, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		o.ID, o.AccountID, o.InstrumentID, string(o.Side), o.Quantity, limit,
		string(o.Status), o.CreatedAt, o.ExpiresAt, o.UpdatedAt,
	)
	return mapPgError("create order "+o.ID, err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError("get order "+id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderCols+` FROM orders ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("order %s: %w", id, model.ErrOrderNotPending)
	}
	return nil
}

// --- Positions ---

const positionCols = `account_id, instrument_id, quantity, average_price::TEXT, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg string
	if err := row.Scan(&p.AccountID, &p.InstrumentID, &p.Quantity, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AveragePrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID))
	if err != nil {
		return nil, mapPgError("get position "+accountID+"/"+instrumentID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, accountID)
}

// GetAccountWithPositions reads both inside one REPEATABLE READ transaction,
// so the pair comes from a single committed state.
func (s *PostgresStore) GetAccountWithPositions(ctx context.Context, accountID string) (*model.Account, []model.Position, error) {
	var (
		acct      *model.Account
		positions []model.Position
	)
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		var err error
		if acct, err = getAccount(ctx, tx, accountID); err != nil {
			return err
		}
		positions, err = listPositions(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return acct, positions, nil
}

func listPositions(ctx context.Context, q querier, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE account_id = $1 ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SeedPosition(ctx context.Context, p *model.Position) error {
	if p.Quantity <= 0 || !p.AveragePrice.IsPositive() {
		return ErrInvariantViolation
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (account_id, instrument_id, quantity, average_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		p.AccountID, p.InstrumentID, p.Quantity, p.AveragePrice.String(), p.UpdatedAt)
	return mapPgError("seed position", err)
}

// --- Immutable ledger ---

const transactionCols = `id, order_id, account_id, instrument_id, side, quantity, price::TEXT, timestamp`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var side, price string
	if err := row.Scan(&t.ID, &t.OrderID, &t.AccountID, &t.InstrumentID, &side,
		&t.Quantity, &price, &t.Timestamp); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	t.Price, _ = decimal.NewFromString(price)
	return &t, nil
}

func (s *PostgresStore) GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE order_id = $1`, orderID))
	if err != nil {
		return nil, mapPgError("get transaction for order "+orderID, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE account_id = $1 ORDER BY timestamp, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ApplyExecution runs all four writes in one transaction. The account row is
// locked FOR UPDATE so concurrent executions on the same account from other
// instances serialize here as well.
func (s *PostgresStore) ApplyExecution(ctx context.Context, exec *Execution) error {
	if err := checkExecution(exec); err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var cashS string
		err := tx.QueryRow(ctx,
			`SELECT cash_balance::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, exec.AccountID).
			Scan(&cashS)
		if err != nil {
			return mapPgError("lock account "+exec.AccountID, err)
		}
		cash, _ := decimal.NewFromString(cashS)
		if !cash.Equal(exec.PrevCash) {
			return ErrStaleWrite
		}

		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = 'EXECUTED', updated_at = $2
			 WHERE id = $1 AND status = 'PENDING'`, exec.OrderID, exec.ExecutedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s: %w", exec.OrderID, model.ErrOrderNotPending)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE id = $1`,
			exec.AccountID, exec.NewCash.String()); err != nil {
			return err
		}

		p := exec.Position
		if p.Quantity == 0 {
			_, err = tx.Exec(ctx,
				`DELETE FROM positions WHERE account_id = $1 AND instrument_id = $2`,
				p.AccountID, p.InstrumentID)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO positions (account_id, instrument_id, quantity, average_price, updated_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5)
				 ON CONFLICT (account_id, instrument_id) DO UPDATE
				 SET quantity = EXCLUDED.quantity,
				     average_price = EXCLUDED.average_price,
				     updated_at = EXCLUDED.updated_at`,
				p.AccountID, p.InstrumentID, p.Quantity, p.AveragePrice.String(), p.UpdatedAt)
		}
		if err != nil {
			return err
		}

		t := exec.Transaction
		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (id, order_id, account_id, instrument_id, side, quantity, price, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
			t.ID, t.OrderID, t.AccountID, t.InstrumentID, string(t.Side), t.Quantity,
			t.Price.String(), t.Timestamp)
		return mapPgError("insert transaction "+t.ID, err)
	})
}

// mapPgError translates driver errors into model sentinels.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, model.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}
