package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges an optional TOML file at path on top of the built-in defaults,
// applies LEDGER_* environment variable overrides (after loading .env if
// present), and returns the final Config. An empty path skips the file. The
// returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). PORT, DATABASE_URL and REDIS_URL are honoured as shorter aliases.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "LEDGER_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "LEDGER_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "LEDGER_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "LEDGER_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "LEDGER_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")

	// ── Log ──
	setStr(&cfg.Log.Level, "LEDGER_LOG_LEVEL")
	setStr(&cfg.Log.File, "LEDGER_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "LEDGER_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "LEDGER_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "LEDGER_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "LEDGER_LOG_COMPRESS")

	// ── Store ──
	// A bare DATABASE_URL selects postgres unless a driver is set explicitly.
	if os.Getenv("DATABASE_URL") != "" && os.Getenv("LEDGER_STORE_DRIVER") == "" && cfg.Store.Driver == DriverMemory {
		cfg.Store.Driver = DriverPostgres
	}
	setStr(&cfg.Store.PostgresURL, "DATABASE_URL")
	setStr(&cfg.Store.Driver, "LEDGER_STORE_DRIVER")
	setStr(&cfg.Store.PostgresURL, "LEDGER_STORE_POSTGRES_URL")
	setInt(&cfg.Store.MaxConns, "LEDGER_STORE_MAX_CONNS")
	setBool(&cfg.Store.RunMigrations, "LEDGER_STORE_RUN_MIGRATIONS")
	setStr(&cfg.Store.SQLitePath, "LEDGER_STORE_SQLITE_PATH")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "LEDGER_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "LEDGER_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.DistributedLocks, "LEDGER_REDIS_DISTRIBUTED_LOCKS")
	setDuration(&cfg.Redis.LockTTL, "LEDGER_REDIS_LOCK_TTL")

	// ── Engine ──
	setInt(&cfg.Engine.LockShards, "LEDGER_ENGINE_LOCK_SHARDS")
	setDuration(&cfg.Engine.LockTimeout, "LEDGER_ENGINE_LOCK_TIMEOUT")
	setBool(&cfg.Engine.SweeperEnabled, "LEDGER_ENGINE_SWEEPER_ENABLED")
	setDuration(&cfg.Engine.ExpiryInterval, "LEDGER_ENGINE_EXPIRY_INTERVAL")

	// ── Risk ──
	setDecimal(&cfg.Risk.MaxSectorExposure, "LEDGER_RISK_MAX_SECTOR_EXPOSURE")
	setDecimal(&cfg.Risk.MaxGrossExposure, "LEDGER_RISK_MAX_GROSS_EXPOSURE")

	// ── Rate limit ──
	setFloat64(&cfg.RateLimit.RPS, "LEDGER_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimit.Burst, "LEDGER_RATE_LIMIT_BURST")

	// ── Seed ──
	setStr(&cfg.Seed.Path, "LEDGER_SEED_PATH")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
