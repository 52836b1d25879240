package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-ledger/internal/model"
)

var t0 = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Every backend that runs without external services goes through the same
// suite. PostgreSQL and Redis share the behavior but need a live server.
func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		st, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("instruments", func(t *testing.T) { testInstruments(t, open(t)) })
	t.Run("orders", func(t *testing.T) { testOrders(t, open(t)) })
	t.Run("transition", func(t *testing.T) { testTransition(t, open(t)) })
	t.Run("expired pending", func(t *testing.T) { testExpiredPending(t, open(t)) })
	t.Run("seed position", func(t *testing.T) { testSeedPosition(t, open(t)) })
	t.Run("apply execution", func(t *testing.T) { testApplyExecution(t, open(t)) })
	t.Run("apply execution rejections", func(t *testing.T) { testApplyExecutionRejections(t, open(t)) })
	t.Run("account with positions", func(t *testing.T) { testAccountWithPositions(t, open(t)) })
}

// fixture creates one account, one instrument and one pending buy order.
func fixture(t *testing.T, st Store) (model.Account, model.Instrument, model.Order) {
	t.Helper()
	ctx := context.Background()

	acct := model.Account{ID: "acc-1", Name: "Alice", CashBalance: d("1000"), Status: model.AccountActive, CreatedAt: t0}
	require.NoError(t, st.CreateAccount(ctx, &acct))

	inst := model.Instrument{ID: "inst-aapl", Symbol: "AAPL", Name: "Apple Inc.", CurrentPrice: d("100"), Sector: "Technology", Exchange: "NASDAQ"}
	require.NoError(t, st.CreateInstrument(ctx, &inst))

	o := model.Order{
		ID: "ord-1", AccountID: acct.ID, InstrumentID: inst.ID, Side: model.SideBuy,
		Quantity: 3, Status: model.OrderPending, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, st.CreateOrder(ctx, &o))
	return acct, inst, o
}

func buyExecution(acct model.Account, o model.Order, price decimal.Decimal) *Execution {
	at := t0.Add(time.Minute)
	total := price.Mul(decimal.NewFromInt(o.Quantity))
	return &Execution{
		OrderID:   o.ID,
		AccountID: acct.ID,
		PrevCash:  acct.CashBalance,
		NewCash:   acct.CashBalance.Sub(total),
		Position: model.Position{
			AccountID: acct.ID, InstrumentID: o.InstrumentID,
			Quantity: o.Quantity, AveragePrice: price, UpdatedAt: at,
		},
		Transaction: model.Transaction{
			ID: "tx-" + o.ID, OrderID: o.ID, AccountID: acct.ID, InstrumentID: o.InstrumentID,
			Side: o.Side, Quantity: o.Quantity, Price: price, Timestamp: at,
		},
		ExecutedAt: at,
	}
}

func testAccounts(t *testing.T, st Store) {
	ctx := context.Background()
	a := model.Account{ID: "acc-1", Name: "Alice", CashBalance: d("250.50"), Status: model.AccountActive, CreatedAt: t0}
	require.NoError(t, st.CreateAccount(ctx, &a))

	got, err := st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.True(t, got.CashBalance.Equal(d("250.50")), "cash = %s", got.CashBalance)
	assert.Equal(t, model.AccountActive, got.Status)

	err = st.CreateAccount(ctx, &a)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	neg := model.Account{ID: "acc-neg", CashBalance: d("-1"), Status: model.AccountActive, CreatedAt: t0}
	assert.ErrorIs(t, st.CreateAccount(ctx, &neg), ErrInvariantViolation)

	_, err = st.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, st.UpdateAccountStatus(ctx, "acc-1", model.AccountSuspended))
	got, err = st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountSuspended, got.Status)
	assert.ErrorIs(t, st.UpdateAccountStatus(ctx, "missing", model.AccountClosed), model.ErrNotFound)

	all, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testInstruments(t *testing.T, st Store) {
	ctx := context.Background()
	msft := model.Instrument{ID: "inst-msft", Symbol: "MSFT", CurrentPrice: d("410.10"), Sector: "Technology", Exchange: "NASDAQ"}
	aapl := model.Instrument{ID: "inst-aapl", Symbol: "AAPL", CurrentPrice: d("170"), Sector: "Technology", Exchange: "NASDAQ"}
	require.NoError(t, st.CreateInstrument(ctx, &msft))
	require.NoError(t, st.CreateInstrument(ctx, &aapl))

	sameSymbol := model.Instrument{ID: "inst-other", Symbol: "MSFT", CurrentPrice: d("1")}
	assert.ErrorIs(t, st.CreateInstrument(ctx, &sameSymbol), model.ErrAlreadyExists)
	sameID := model.Instrument{ID: "inst-msft", Symbol: "MSFX", CurrentPrice: d("1")}
	assert.ErrorIs(t, st.CreateInstrument(ctx, &sameID), model.ErrAlreadyExists)

	got, err := st.GetInstrumentBySymbol(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "inst-msft", got.ID)
	_, err = st.GetInstrumentBySymbol(ctx, "NOPE")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, st.UpdateInstrumentPrice(ctx, "inst-msft", d("415.25")))
	got, err = st.GetInstrument(ctx, "inst-msft")
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(d("415.25")))
	assert.ErrorIs(t, st.UpdateInstrumentPrice(ctx, "missing", d("1")), model.ErrNotFound)

	all, err := st.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].Symbol, "instruments are listed by symbol")
}

func testOrders(t *testing.T, st Store) {
	ctx := context.Background()
	acct, _, first := fixture(t, st)

	limit := model.Order{
		ID: "ord-2", AccountID: acct.ID, InstrumentID: first.InstrumentID, Side: model.SideSell,
		Quantity: 1, LimitPrice: decimal.NewNullDecimal(d("120.5")),
		Status: model.OrderPending, CreatedAt: t0.Add(time.Second), UpdatedAt: t0.Add(time.Second),
	}
	require.NoError(t, st.CreateOrder(ctx, &limit))
	assert.ErrorIs(t, st.CreateOrder(ctx, &limit), model.ErrAlreadyExists)

	got, err := st.GetOrder(ctx, "ord-2")
	require.NoError(t, err)
	require.True(t, got.LimitPrice.Valid)
	assert.True(t, got.LimitPrice.Decimal.Equal(d("120.5")))
	assert.Nil(t, got.ExpiresAt)

	got, err = st.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.False(t, got.LimitPrice.Valid, "market orders carry no limit price")

	_, err = st.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	byAcct, err := st.ListOrdersByAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, byAcct, 2)
	assert.Equal(t, "ord-1", byAcct[0].ID, "oldest first")

	none, err := st.ListOrdersByAccount(ctx, "acc-other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTransition(t *testing.T, st Store) {
	ctx := context.Background()
	_, _, o := fixture(t, st)
	at := t0.Add(time.Hour)

	require.NoError(t, st.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderCancelled, at))
	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, got.Status)
	assert.True(t, got.UpdatedAt.Equal(at))

	// The compare-and-set fails once the order has left PENDING.
	err = st.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderExpired, at)
	assert.ErrorIs(t, err, model.ErrOrderNotPending)

	err = st.TransitionOrder(ctx, "missing", model.OrderPending, model.OrderCancelled, at)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testExpiredPending(t *testing.T, st Store) {
	ctx := context.Background()
	acct, inst, _ := fixture(t, st)

	mk := func(id string, expires time.Time) {
		o := model.Order{
			ID: id, AccountID: acct.ID, InstrumentID: inst.ID, Side: model.SideBuy, Quantity: 1,
			Status: model.OrderPending, CreatedAt: t0, UpdatedAt: t0, ExpiresAt: &expires,
		}
		require.NoError(t, st.CreateOrder(ctx, &o))
	}
	now := t0.Add(10 * time.Minute)
	mk("ord-past", now.Add(-time.Minute))
	mk("ord-now", now)
	mk("ord-future", now.Add(time.Minute))
	mk("ord-cancelled", now.Add(-time.Hour))
	require.NoError(t, st.TransitionOrder(ctx, "ord-cancelled", model.OrderPending, model.OrderCancelled, now))

	expired, err := st.ListExpiredPending(ctx, now)
	require.NoError(t, err)
	ids := make([]string, 0, len(expired))
	for _, o := range expired {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []string{"ord-past", "ord-now"}, ids)
}

func testSeedPosition(t *testing.T, st Store) {
	ctx := context.Background()
	acct, inst, _ := fixture(t, st)

	p := model.Position{AccountID: acct.ID, InstrumentID: inst.ID, Quantity: 10, AveragePrice: d("95.5"), UpdatedAt: t0}
	require.NoError(t, st.SeedPosition(ctx, &p))
	assert.ErrorIs(t, st.SeedPosition(ctx, &p), model.ErrAlreadyExists)

	zero := model.Position{AccountID: acct.ID, InstrumentID: "inst-x", Quantity: 0, AveragePrice: d("1")}
	assert.ErrorIs(t, st.SeedPosition(ctx, &zero), ErrInvariantViolation)
	free := model.Position{AccountID: acct.ID, InstrumentID: "inst-y", Quantity: 1, AveragePrice: decimal.Zero}
	assert.ErrorIs(t, st.SeedPosition(ctx, &free), ErrInvariantViolation)

	got, err := st.GetPosition(ctx, acct.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Quantity)
	assert.True(t, got.AveragePrice.Equal(d("95.5")))

	_, err = st.GetPosition(ctx, acct.ID, "inst-none")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testApplyExecution(t *testing.T, st Store) {
	ctx := context.Background()
	acct, inst, o := fixture(t, st)

	require.NoError(t, st.ApplyExecution(ctx, buyExecution(acct, o, d("100"))))

	a, err := st.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("700")), "cash = %s", a.CashBalance)

	got, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderExecuted, got.Status)

	pos, err := st.GetPosition(ctx, acct.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos.Quantity)

	tx, err := st.GetTransactionByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, tx.Total().Equal(d("300")))

	// Selling the whole holding removes the position row.
	sell := model.Order{
		ID: "ord-sell", AccountID: acct.ID, InstrumentID: inst.ID, Side: model.SideSell,
		Quantity: 3, Status: model.OrderPending, CreatedAt: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour),
	}
	require.NoError(t, st.CreateOrder(ctx, &sell))
	at := t0.Add(2 * time.Hour)
	require.NoError(t, st.ApplyExecution(ctx, &Execution{
		OrderID:   sell.ID,
		AccountID: acct.ID,
		PrevCash:  d("700"),
		NewCash:   d("1030"),
		Position:  model.Position{AccountID: acct.ID, InstrumentID: inst.ID, Quantity: 0, UpdatedAt: at},
		Transaction: model.Transaction{
			ID: "tx-sell", OrderID: sell.ID, AccountID: acct.ID, InstrumentID: inst.ID,
			Side: model.SideSell, Quantity: 3, Price: d("110"), Timestamp: at,
		},
		ExecutedAt: at,
	}))

	_, err = st.GetPosition(ctx, acct.ID, inst.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	positions, err := st.ListPositionsByAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	txs, err := st.ListTransactionsByAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-ord-1", txs[0].ID)
	assert.Equal(t, "tx-sell", txs[1].ID)
}

func testApplyExecutionRejections(t *testing.T, st Store) {
	ctx := context.Background()
	acct, inst, o := fixture(t, st)

	// unchanged asserts a rejected execution left no trace.
	unchanged := func(t *testing.T) {
		t.Helper()
		a, err := st.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, a.CashBalance.Equal(acct.CashBalance), "cash = %s", a.CashBalance)
		got, err := st.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderPending, got.Status)
		_, err = st.GetPosition(ctx, acct.ID, inst.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = st.GetTransactionByOrder(ctx, o.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	}

	tests := []struct {
		name   string
		mutate func(e *Execution)
		want   error
	}{
		{"negative cash", func(e *Execution) { e.NewCash = d("-0.01") }, ErrInvariantViolation},
		{"negative quantity", func(e *Execution) { e.Position.Quantity = -1 }, ErrInvariantViolation},
		{"held at zero cost", func(e *Execution) { e.Position.AveragePrice = decimal.Zero }, ErrInvariantViolation},
		{"stale balance", func(e *Execution) { e.PrevCash = d("999") }, ErrStaleWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := buyExecution(acct, o, d("100"))
			tt.mutate(exec)
			err := st.ApplyExecution(ctx, exec)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
			unchanged(t)
		})
	}

	t.Run("not pending", func(t *testing.T) {
		require.NoError(t, st.TransitionOrder(ctx, o.ID, model.OrderPending, model.OrderCancelled, t0))
		err := st.ApplyExecution(ctx, buyExecution(acct, o, d("100")))
		assert.ErrorIs(t, err, model.ErrOrderNotPending)

		a, err := st.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.True(t, a.CashBalance.Equal(acct.CashBalance))
		_, err = st.GetTransactionByOrder(ctx, o.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func testAccountWithPositions(t *testing.T, st Store) {
	ctx := context.Background()
	acct, inst, o := fixture(t, st)

	a, positions, err := st.GetAccountWithPositions(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("1000")))
	assert.Empty(t, positions)

	require.NoError(t, st.ApplyExecution(ctx, buyExecution(acct, o, d("100"))))

	a, positions, err = st.GetAccountWithPositions(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, inst.ID, positions[0].InstrumentID)
	assert.True(t, a.CashBalance.Add(positions[0].Value()).Equal(d("1000")),
		"cash %s + cost %s should still total the opening balance", a.CashBalance, positions[0].Value())

	_, _, err = st.GetAccountWithPositions(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
