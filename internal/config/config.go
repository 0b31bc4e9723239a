// Package config has the server configuration structure.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// Config contains configuration data. Priority: environment > .env file >
// defaults.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Store       string `env:"STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	ApplySchema bool   `env:"APPLY_SCHEMA" envDefault:"true"`
	PebbleDir   string `env:"PEBBLE_DIR" envDefault:"data/ledger"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	JWTSecret     string `env:"JWT_SECRET"`
	JWTIssuer     string `env:"JWT_ISSUER"`
	InternalToken string `env:"INTERNAL_TOKEN"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	SeedStocks  string   `env:"SEED_STOCKS"`
}

// Load reads the optional .env file at envPath (or ./.env when empty) and
// parses the environment.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StorePebble:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}
