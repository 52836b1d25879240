package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// instruments and position lists. Writes go to the primary store and
// invalidate the cache. Balances and orders are never served from cache:
// the engine validates against them. GetAccountWithPositions always reads
// the primary.
//
// Every cached key has a generation counter that invalidation bumps. A miss
// fills the cache inside WATCH on that counter, so a fill that raced with a
// write is dropped instead of caching the pre-write value.
type CachedStore struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:  primary,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.Store.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheSymbol(ctx, inst)
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := s.Store.UpdateInstrumentPrice(ctx, id, price); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentKey(id))
	return nil
}

func (s *CachedStore) SeedPosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.SeedPosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(p.AccountID))
	return nil
}

func (s *CachedStore) ApplyExecution(ctx context.Context, exec *Execution) error {
	if err := s.Store.ApplyExecution(ctx, exec); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(exec.AccountID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	return readThrough(ctx, s, instrumentKey(id), func() (*model.Instrument, error) {
		return s.Store.GetInstrument(ctx, id)
	})
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	// Symbol → ID mapping never changes once created.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	inst, err := s.Store.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheSymbol(ctx, inst)
	return inst, nil
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	return readThrough(ctx, s, positionsKey(accountID), func() ([]model.Position, error) {
		return s.Store.ListPositionsByAccount(ctx, accountID)
	})
}

// --- Cache helpers ---

// readThrough loads a value from the primary store and caches it under key,
// unless key was invalidated while the load ran. The loaded value is
// returned either way; only a primary error fails the read.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	var (
		val     T
		loadErr error
		loaded  bool
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, loadErr = load()
		loaded = true
		if loadErr != nil {
			return loadErr
		}
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey(key))

	if !loaded {
		// Redis failed before the load ran; serve from the primary.
		s.logger.Warn("cache fill skipped", "key", key, "err", err)
		return load()
	}
	if loadErr != nil {
		return val, loadErr
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("cache fill dropped after concurrent write", "key", key)
	default:
		s.logger.Warn("cache fill failed", "key", key, "err", err)
	}
	return val, nil
}

// invalidate bumps key's generation and deletes it. A failure leaves the old
// value readable until its TTL runs out.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(key))
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		s.logger.Warn("cache invalidation failed", "key", key, "ttl", s.ttl.String(), "err", err)
	}
}

func (s *CachedStore) cacheSymbol(ctx context.Context, inst *model.Instrument) {
	if err := s.rdb.Set(ctx, symbolKey(inst.Symbol), inst.ID, s.ttl).Err(); err != nil {
		s.logger.Warn("cache symbol failed", "symbol", inst.Symbol, "err", err)
	}
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func symbolKey(symbol string) string { return fmt.Sprintf("symbol:%s", symbol) }
func positionsKey(accountID string) string { return fmt.Sprintf("positions:%s", accountID) }
func generationKey(key string) string { return "gen:" + key }
