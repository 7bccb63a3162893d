package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:           "0.0.0.0:8080",
		Storage:        StoragePostgres,
		DatabaseURL:    "postgres://localhost/shop",
		JWTSecret:      "secret",
		RequestTimeout: 15 * time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"Valid", func(*Config) {}, ""},
		{"MemoryWithoutDatabase", func(c *Config) { c.Storage = StorageMemory; c.DatabaseURL = "" }, ""},
		{"MissingDatabase", func(c *Config) { c.DatabaseURL = "" }, "database URL is required"},
		{"UnknownStorage", func(c *Config) { c.Storage = "mongo" }, "unknown storage"},
		{"MissingSecret", func(c *Config) { c.JWTSecret = "" }, "JWT secret is required"},
		{"ZeroTimeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("JWT_SECRET", "platform-secret")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "0.0.0.0:8080"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "platform-secret", cfg.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestApplyPlatformDefaults_KeepsExplicit(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9000")

	cfg := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}
