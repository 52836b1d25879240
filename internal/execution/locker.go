package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a per-account lock could not be acquired
// before the context was done.
var ErrLockTimeout = errors.New("execution: account lock timeout")

// Locker serializes work on a single account. Lock blocks until the lock is
// held or ctx is done; the returned function releases it and is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, accountID string) (unlock func(), err error)
}

// DefaultLockShards is the shard count used when none is configured.
const DefaultLockShards = 256

// LocalLocker is a sharded lock table for single-instance deployments.
// Accounts hashing to different shards never contend.
type LocalLocker struct {
	shards []chan struct{}
}

// NewLocalLocker creates a lock table with n shards.
func NewLocalLocker(n int) *LocalLocker {
	if n < 1 {
		n = DefaultLockShards
	}
	shards := make([]chan struct{}, n)
	for i := range shards {
		// A one-slot channel is a mutex that can also select on ctx.Done.
		shards[i] = make(chan struct{}, 1)
	}
	return &LocalLocker{shards: shards}
}

func (l *LocalLocker) shard(accountID string) chan struct{} {
	return l.shards[xxhash.Sum64String(accountID)%uint64(len(l.shards))]
}

// Lock acquires the shard owning accountID.
func (l *LocalLocker) Lock(ctx context.Context, accountID string) (func(), error) {
	sh := l.shard(accountID)
	select {
	case sh <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("account %s: %w", accountID, ErrLockTimeout)
	}
	var once sync.Once
	return func() { once.Do(func() { <-sh }) }, nil
}

// unlockLua deletes a lock key only if it still holds the caller's token, so
// an expired holder never releases a lock someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a distributed per-account lock for multi-instance
// deployments, using SETNX with a TTL and a Lua compare-and-delete unlock.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
	logger   *slog.Logger

	// Polling backoff bounds while the lock is held elsewhere.
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block an account.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rdb:        rdb,
		ttl:        ttl,
		unlockSc:   redis.NewScript(unlockLua),
		logger:     logger,
		minBackoff: 2 * time.Millisecond,
		maxBackoff: 100 * time.Millisecond,
	}
}

func accountLockKey(accountID string) string {
	return "lock:account:" + accountID
}

// Lock polls SETNX with exponential backoff until the lock is acquired or
// ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, accountID string) (func(), error) {
	token := uuid.New().String()
	key := accountLockKey(accountID)
	backoff := l.minBackoff

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("account %s: %w", accountID, ErrLockTimeout)
			}
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("account %s: %w", accountID, ErrLockTimeout)
		case <-t.C:
		}
		if backoff *= 2; backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context: the caller's may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			released, err := l.unlockSc.Run(unlockCtx, l.rdb, []string{key}, token).Int()
			l.reportRelease(key, released, err)
		})
	}
	return unlock, nil
}

// reportRelease logs an unlock that did not delete the caller's key. Either
// Redis failed and the key lingers until its TTL, or the TTL already ran out
// while the caller still believed it held the lock.
func (l *RedisLocker) reportRelease(key string, released int, err error) {
	switch {
	case err != nil:
		l.logger.Warn("account lock release failed; key expires on its own",
			"key", key, "ttl", l.ttl.String(), "err", err)
	case released == 0:
		l.logger.Warn("account lock expired before release",
			"key", key, "ttl", l.ttl.String())
	}
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
