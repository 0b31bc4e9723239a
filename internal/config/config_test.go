package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strader/order-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.Store != config.StoreMemory {
		t.Errorf("expected memory store, got %s", cfg.Store)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %s", cfg.CacheTTL)
	}
	if !cfg.ApplySchema {
		t.Error("expected APPLY_SCHEMA to default to true")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("expected [*] origins, got %v", cfg.CORSOrigins)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "JWT_SECRET=from-file\nSTORE=pebble\nCORS_ORIGINS=http://a.test,http://b.test\nCACHE_TTL=5s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set, so make
	// sure these are unset for the duration of the test.
	for _, k := range []string{"JWT_SECRET", "STORE", "CORS_ORIGINS", "CACHE_TTL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-file" || cfg.Store != config.StorePebble {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected origins: %v", cfg.CORSOrigins)
	}
	if cfg.CacheTTL != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.CacheTTL)
	}
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		return config.Config{Store: config.StoreMemory, JWTSecret: "x", CacheTTL: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"valid memory", func(c *config.Config) {}, false},
		{"postgres without url", func(c *config.Config) { c.Store = config.StorePostgres }, true},
		{"postgres with url", func(c *config.Config) {
			c.Store = config.StorePostgres
			c.DatabaseURL = "postgres://localhost/strader"
		}, false},
		{"unknown store", func(c *config.Config) { c.Store = "sqlite" }, true},
		{"missing secret", func(c *config.Config) { c.JWTSecret = "" }, true},
		{"zero ttl", func(c *config.Config) { c.CacheTTL = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
