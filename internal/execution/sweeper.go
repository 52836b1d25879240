package execution

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires PENDING orders past their expiration time.
// Execution also expires orders lazily, so the sweeper only bounds how long
// a stale order stays visible as PENDING.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper that ticks every interval.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{engine: engine, interval: interval, logger: engine.logger}
}

// Run ticks until ctx is cancelled. It always returns nil so it can sit in
// an errgroup next to the HTTP server.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass at the engine's current time.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.engine.ExpireDue(ctx, s.engine.Now())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("expiry sweep failed", "expired", n, "err", err)
	}
	if n > 0 {
		s.logger.Info("expiry sweep", "expired", n)
	}
	return n
}
