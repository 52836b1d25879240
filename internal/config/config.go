// Package config defines the trade ledger's configuration and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by LEDGER_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Seed      SeedConfig      `toml:"seed"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// LogConfig holds logging parameters. File enables a rotating log file next
// to stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	// Driver is one of memory, postgres, sqlite.
	Driver        string `toml:"driver"`
	PostgresURL   string `toml:"postgres_url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	SQLitePath    string `toml:"sqlite_path"`
}

// RedisConfig holds Redis parameters. Redis is optional: with an empty URL
// neither the cache nor distributed locks are used.
type RedisConfig struct {
	URL              string   `toml:"url"`
	CacheTTL         duration `toml:"cache_ttl"`
	DistributedLocks bool     `toml:"distributed_locks"`
	LockTTL          duration `toml:"lock_ttl"`
}

// EngineConfig holds execution engine parameters.
type EngineConfig struct {
	LockShards     int      `toml:"lock_shards"`
	LockTimeout    duration `toml:"lock_timeout"`
	SweeperEnabled bool     `toml:"sweeper_enabled"`
	ExpiryInterval duration `toml:"expiry_interval"`
}

// RiskConfig holds optional exposure limits. Zero disables a limit.
// Amounts are decimal strings, e.g. "250000.00".
type RiskConfig struct {
	MaxSectorExposure decimal.Decimal `toml:"max_sector_exposure"`
	MaxGrossExposure  decimal.Decimal `toml:"max_gross_exposure"`
}

// RateLimitConfig bounds order submissions per client IP. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// SeedConfig points at an optional YAML fixture loaded at startup.
type SeedConfig struct {
	Path string `toml:"path"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			MaxConns:      10,
			RunMigrations: true,
			SQLitePath:    "ledger.db",
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
		},
		Engine: EngineConfig{
			LockShards:     256,
			LockTimeout:    duration{5 * time.Second},
			SweeperEnabled: true,
			ExpiryInterval: duration{time.Second},
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
	}
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var validDrivers = map[string]bool{
	DriverMemory:   true,
	DriverPostgres: true,
	DriverSQLite:   true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be > 0")
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Store
	if !validDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, sqlite)", c.Store.Driver))
	}
	if c.Store.Driver == DriverPostgres && strings.TrimSpace(c.Store.PostgresURL) == "" {
		errs = append(errs, "store: postgres_url is required for the postgres driver")
	}
	if c.Store.Driver == DriverSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, "store: sqlite_path is required for the sqlite driver")
	}
	if c.Store.MaxConns < 1 {
		errs = append(errs, "store: max_conns must be >= 1")
	}

	// Redis
	if c.Redis.DistributedLocks && c.Redis.URL == "" {
		errs = append(errs, "redis: url is required when distributed_locks is enabled")
	}
	if c.Redis.URL != "" && c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}

	// Engine
	if c.Engine.LockShards < 1 {
		errs = append(errs, "engine: lock_shards must be >= 1")
	}
	if c.Engine.LockTimeout.Duration <= 0 {
		errs = append(errs, "engine: lock_timeout must be > 0")
	}
	if c.Engine.SweeperEnabled && c.Engine.ExpiryInterval.Duration <= 0 {
		errs = append(errs, "engine: expiry_interval must be > 0 when the sweeper is enabled")
	}

	// Risk
	if c.Risk.MaxSectorExposure.IsNegative() {
		errs = append(errs, "risk: max_sector_exposure must be >= 0")
	}
	if c.Risk.MaxGrossExposure.IsNegative() {
		errs = append(errs, "risk: max_gross_exposure must be >= 0")
	}

	// Rate limit
	if c.RateLimit.RPS < 0 {
		errs = append(errs, "rate_limit: rps must be >= 0")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit: burst must be >= 1 when rps is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
