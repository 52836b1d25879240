package execution

import (
	"context"
	"testing"
	"time"

	"github.com/atmx/trade-ledger/internal/model"
)

func TestSweeper_SweepExpiresDueOrders(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	exp := env.clock.Now().Add(30 * time.Second)
	o, err := env.engine.Submit(ctx, SubmitRequest{
		AccountID: "acc-1", InstrumentID: "inst-aapl", Side: model.SideBuy, Quantity: 1, ExpiresAt: &exp,
	})
	if err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(env.engine, time.Hour)
	if n := s.Sweep(ctx); n != 0 {
		t.Errorf("expected nothing due yet, expired %d", n)
	}

	env.clock.Advance(time.Minute)
	if n := s.Sweep(ctx); n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if got := env.orderStatus(t, o.ID); got != model.OrderExpired {
		t.Errorf("expected EXPIRED, got %s", got)
	}
	if got := env.events.types(); len(got) != 1 || got[0] != EventOrderExpired {
		t.Errorf("expected one order_expired event, got %v", got)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, 1000)
	s := NewSweeper(env.engine, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
