package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/trade-ledger/internal/model"
	"github.com/atmx/trade-ledger/internal/store"
)

// Random sequences of submit, execute, cancel and price moves over two
// accounts and two instruments never drive cash or a position negative,
// and every executed order has exactly one matching transaction.
func TestProperty_LedgerInvariantsHold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryStore()
		env := &testEnv{store: st, clock: &fakeClock{t: epoch}, events: &recorder{}}
		eng := newEngineOver(st, env)

		accounts := []string{"acc-a", "acc-b"}
		instruments := []string{"inst-x", "inst-y"}
		for _, id := range accounts {
			cash := rapid.Int64Range(0, 5000).Draw(t, "cash_"+id)
			if err := st.CreateAccount(ctx, &model.Account{
				ID: id, CashBalance: decimal.NewFromInt(cash), Status: model.AccountActive, CreatedAt: epoch,
			}); err != nil {
				t.Fatal(err)
			}
		}
		for i, id := range instruments {
			price := rapid.Int64Range(1, 200).Draw(t, "price_"+id)
			if err := st.CreateInstrument(ctx, &model.Instrument{
				ID: id, Symbol: fmt.Sprintf("SYM%d", i), Name: id, CurrentPrice: decimal.NewFromInt(price),
				Sector: "S", Exchange: "NYSE",
			}); err != nil {
				t.Fatal(err)
			}
		}

		var pending []string
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0: // submit
				req := SubmitRequest{
					AccountID:    rapid.SampledFrom(accounts).Draw(t, "account"),
					InstrumentID: rapid.SampledFrom(instruments).Draw(t, "instrument"),
					Side:         rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, "side"),
					Quantity:     rapid.Int64Range(1, 20).Draw(t, "qty"),
				}
				if rapid.Bool().Draw(t, "limit") {
					req.LimitPrice = decimal.NewNullDecimal(decimal.NewFromInt(rapid.Int64Range(1, 200).Draw(t, "limit_price")))
				}
				o, err := eng.Submit(ctx, req)
				if err == nil {
					pending = append(pending, o.ID)
					continue
				}
				var ve *model.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("submit: unexpected error %v", err)
				}

			case 1: // execute
				if len(pending) == 0 {
					continue
				}
				id := rapid.SampledFrom(pending).Draw(t, "execute")
				o, _ := st.GetOrder(ctx, id)
				before, _ := st.GetAccount(ctx, o.AccountID)

				tx, err := eng.Execute(ctx, id)
				after, _ := st.GetAccount(ctx, o.AccountID)
				switch {
				case err == nil:
					delta := after.CashBalance.Sub(before.CashBalance)
					if o.Side == model.SideBuy {
						delta = delta.Neg()
					}
					if !delta.Equal(tx.Total()) {
						t.Fatalf("cash moved by %s, transaction total %s", delta, tx.Total())
					}
				case errors.Is(err, model.ErrConcurrencyConflict), errors.Is(err, model.ErrOrderNotPending):
					if !after.CashBalance.Equal(before.CashBalance) {
						t.Fatalf("rejected execution moved cash %s → %s", before.CashBalance, after.CashBalance)
					}
				default:
					t.Fatalf("execute: unexpected error %v", err)
				}

			case 2: // cancel
				if len(pending) == 0 {
					continue
				}
				id := rapid.SampledFrom(pending).Draw(t, "cancel")
				if _, err := eng.Cancel(ctx, id); err != nil && !errors.Is(err, model.ErrOrderNotPending) {
					t.Fatalf("cancel: unexpected error %v", err)
				}

			case 3: // price move
				id := rapid.SampledFrom(instruments).Draw(t, "moved")
				price := rapid.Int64Range(1, 200).Draw(t, "new_price")
				if err := st.UpdateInstrumentPrice(ctx, id, decimal.NewFromInt(price)); err != nil {
					t.Fatal(err)
				}
			}

			checkInvariants(t, st, accounts)
		}
	})
}

func checkInvariants(t *rapid.T, st store.Store, accounts []string) {
	ctx := context.Background()
	for _, id := range accounts {
		a, err := st.GetAccount(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if a.CashBalance.IsNegative() {
			t.Fatalf("account %s cash is negative: %s", id, a.CashBalance)
		}

		positions, _ := st.ListPositionsByAccount(ctx, id)
		for _, p := range positions {
			if p.Quantity <= 0 {
				t.Fatalf("position %s/%s has quantity %d", id, p.InstrumentID, p.Quantity)
			}
			if !p.AveragePrice.IsPositive() {
				t.Fatalf("position %s/%s has average price %s", id, p.InstrumentID, p.AveragePrice)
			}
		}

		orders, _ := st.ListOrdersByAccount(ctx, id)
		txs, _ := st.ListTransactionsByAccount(ctx, id)
		byOrder := make(map[string]int, len(txs))
		for _, tx := range txs {
			byOrder[tx.OrderID]++
		}
		for _, o := range orders {
			n := byOrder[o.ID]
			switch {
			case o.Status == model.OrderExecuted && n != 1:
				t.Fatalf("executed order %s has %d transactions", o.ID, n)
			case o.Status != model.OrderExecuted && n != 0:
				t.Fatalf("%s order %s has %d transactions", o.Status, o.ID, n)
			}
			if n == 1 {
				tx, _ := st.GetTransactionByOrder(ctx, o.ID)
				if tx.Quantity != o.Quantity || tx.Side != o.Side {
					t.Fatalf("transaction %s does not match order %s", tx.ID, o.ID)
				}
			}
		}
	}
}

// A sequence of buys at random prices leaves the average equal to the
// quantity-weighted mean of the fills, up to the stored precision.
func TestProperty_AveragePriceIsWeightedMeanOfBuys(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemoryStore()
		env := &testEnv{store: st, clock: &fakeClock{t: epoch}, events: &recorder{}}
		eng := newEngineOver(st, env)
		seed(t, st, 1_000_000)

		var qtySum int64
		costSum := decimal.Zero
		fills := rapid.IntRange(1, 10).Draw(t, "fills")
		for i := 0; i < fills; i++ {
			qty := rapid.Int64Range(1, 50).Draw(t, "qty")
			price := decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, "price"))
			o, err := eng.Submit(ctx, SubmitRequest{
				AccountID: "acc-1", InstrumentID: "inst-aapl", Side: model.SideBuy,
				Quantity: qty, LimitPrice: decimal.NewNullDecimal(price),
			})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := eng.Execute(ctx, o.ID); err != nil {
				t.Fatal(err)
			}
			qtySum += qty
			costSum = costSum.Add(price.Mul(decimal.NewFromInt(qty)))
		}

		p, err := st.GetPosition(ctx, "acc-1", "inst-aapl")
		if err != nil {
			t.Fatal(err)
		}
		if p.Quantity != qtySum {
			t.Fatalf("quantity %d, want %d", p.Quantity, qtySum)
		}
		want := costSum.Div(decimal.NewFromInt(qtySum))
		// Each fill rounds to 8 places; allow that much drift per fill.
		tolerance := decimal.New(int64(fills), -AveragePricePlaces)
		if p.AveragePrice.Sub(want).Abs().GreaterThan(tolerance) {
			t.Fatalf("average %s, want %s ± %s", p.AveragePrice, want, tolerance)
		}
	})
}
