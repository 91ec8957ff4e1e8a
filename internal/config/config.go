// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"micro-casino/internal/fairness"
	"micro-casino/internal/models"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`
	Env  string `env:"APP_ENV" envDefault:"development"`

	RedisURL  string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	DBPath    string `env:"DB_PATH" envDefault:"data/mines.db"`
	JWTSecret string `env:"JWT_SECRET"`

	StartingBalance string `env:"STARTING_BALANCE" envDefault:"100.00"`
	MinBet          string `env:"MIN_BET" envDefault:"0.01"`
	MaxBet          string `env:"MAX_BET" envDefault:"10000.00"`
	DefaultGridSize int    `env:"DEFAULT_GRID_SIZE" envDefault:"25"`
	MaxGridSize     int    `env:"MAX_GRID_SIZE" envDefault:"400"`
	MaxGamesPerSeed int64  `env:"MAX_GAMES_PER_SEED" envDefault:"10000"`

	GameLockTTL     time.Duration `env:"GAME_LOCK_TTL" envDefault:"5s"`
	TileLockTTL     time.Duration `env:"TILE_LOCK_TTL" envDefault:"5s"`
	RotationLockTTL time.Duration `env:"ROTATION_LOCK_TTL" envDefault:"10s"`
	GameTTL         time.Duration `env:"GAME_TTL" envDefault:"168h"`
	SeedCacheTTL    time.Duration `env:"SEED_CACHE_TTL" envDefault:"720h"`
	HistoryCacheTTL time.Duration `env:"HISTORY_CACHE_TTL" envDefault:"60s"`

	BalanceSyncInterval    time.Duration `env:"BALANCE_SYNC_INTERVAL" envDefault:"5s"`
	BalanceSyncBatchSize   int           `env:"BALANCE_SYNC_BATCH_SIZE" envDefault:"100"`
	BalanceSyncMaxAttempts int           `env:"BALANCE_SYNC_MAX_ATTEMPTS" envDefault:"3"`
	TaskMaxAttempts        int           `env:"TASK_MAX_ATTEMPTS" envDefault:"3"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.IsProduction() && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if _, err := models.ParseAmount(c.StartingBalance); err != nil {
		return fmt.Errorf("STARTING_BALANCE: %w", err)
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if c.BalanceSyncBatchSize <= 0 {
		return fmt.Errorf("BALANCE_SYNC_BATCH_SIZE must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Limits returns the bet and grid bounds.
func (c *Config) Limits() (models.BetLimits, error) {
	minBet, err := decimal.NewFromString(c.MinBet)
	if err != nil {
		return models.BetLimits{}, fmt.Errorf("MIN_BET: %w", err)
	}
	maxBet, err := decimal.NewFromString(c.MaxBet)
	if err != nil {
		return models.BetLimits{}, fmt.Errorf("MAX_BET: %w", err)
	}
	if !minBet.IsPositive() || maxBet.LessThan(minBet) {
		return models.BetLimits{}, fmt.Errorf("bet limits must satisfy 0 < MIN_BET <= MAX_BET")
	}
	if !fairness.DenseGridSupported(c.MaxGridSize) {
		return models.BetLimits{}, fmt.Errorf("MAX_GRID_SIZE %d is too large to place grid-1 mines reliably", c.MaxGridSize)
	}
	if c.DefaultGridSize < 2 || c.DefaultGridSize > c.MaxGridSize {
		return models.BetLimits{}, fmt.Errorf("DEFAULT_GRID_SIZE must be between 2 and MAX_GRID_SIZE")
	}
	return models.BetLimits{
		MinBet:          minBet,
		MaxBet:          maxBet,
		DefaultGridSize: c.DefaultGridSize,
		MaxGridSize:     c.MaxGridSize,
	}, nil
}

// StartingBalanceAmount is the balance granted to a user on first touch.
func (c *Config) StartingBalanceAmount() decimal.Decimal {
	d, _ := models.ParseAmount(c.StartingBalance)
	return d
}
