// Command server runs the trade ledger: it loads configuration, opens the
// configured store, and serves the HTTP/WebSocket API alongside the order
// expiry sweeper until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-ledger/internal/api"
	"github.com/atmx/trade-ledger/internal/config"
	"github.com/atmx/trade-ledger/internal/execution"
	"github.com/atmx/trade-ledger/internal/logging"
	"github.com/atmx/trade-ledger/internal/risk"
	"github.com/atmx/trade-ledger/internal/seed"
	"github.com/atmx/trade-ledger/internal/store"
	"github.com/atmx/trade-ledger/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %q: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("trade-ledger failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("trade-ledger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Redis: read-through cache and distributed account locks ---
	var locker execution.Locker = execution.NewLocalLocker(cfg.Engine.LockShards)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		if cfg.Store.Driver != config.DriverMemory {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration, logger)
			logger.Info("redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
		if cfg.Redis.DistributedLocks {
			locker = execution.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, logger)
			logger.Info("distributed account locks enabled", "ttl", cfg.Redis.LockTTL.String())
		}
	}

	// --- Seed data ---
	if cfg.Seed.Path != "" {
		file, err := seed.LoadFile(cfg.Seed.Path)
		if err != nil {
			return fmt.Errorf("load seed %s: %w", cfg.Seed.Path, err)
		}
		if _, err := file.Apply(ctx, st, logger); err != nil {
			return err
		}
	}

	// --- Risk limits ---
	limiter := risk.NewSectorLimiter(cfg.Risk.MaxSectorExposure, cfg.Risk.MaxGrossExposure)
	if limiter.Enabled() {
		logger.Info("sector limits enabled",
			"max_sector", cfg.Risk.MaxSectorExposure.String(),
			"max_gross", cfg.Risk.MaxGrossExposure.String(),
		)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(logger)

	// --- Execution engine ---
	engine := execution.NewEngine(st, locker,
		execution.WithValidator(validator.New(limiter)),
		execution.WithPublisher(wsHub),
		execution.WithLogger(logger),
		execution.WithLockTimeout(cfg.Engine.LockTimeout.Duration),
	)

	// --- HTTP router ---
	handler := api.NewHandler(engine, st, wsHub, logger)
	router := api.NewRouter(handler, wsHub, api.RouterOptions{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(ctx)
	})

	if cfg.Engine.SweeperEnabled {
		sweeper := execution.NewSweeper(engine, cfg.Engine.ExpiryInterval.Duration)
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("trade-ledger listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		logger.Info("shutting down trade-ledger...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore builds the configured primary store and returns its closer.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		logger.Info("connected to PostgreSQL", "max_conns", cfg.MaxConns)
		return pg, pool.Close, nil

	case config.DriverSQLite:
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened SQLite database", "path", cfg.SQLitePath)
		return sq, func() {
			if err := sq.Close(); err != nil {
				logger.Warn("sqlite close failed", "err", err)
			}
		}, nil

	default:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}
