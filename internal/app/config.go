package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage        string        `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL    string        `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Migrate        bool          `default:"true" usage:"Apply database migrations on startup"`
	SeedFile       string        `default:"" usage:"Seed file (.json or .json.gz) loaded into the memory store" flag:"seed-file"`
	RedisAddr      string        `default:"" usage:"Redis address for idempotency keys; in-memory keys when empty" flag:"redis-addr"`
	JWTSecret      string        `usage:"HMAC secret for bearer tokens (SHOP_JWT_SECRET)" flag:"jwt-secret"`
	ImageBaseURL   string        `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	RequestTimeout time.Duration `default:"15s" usage:"Per-request deadline" flag:"request-timeout"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long idempotency keys are remembered" flag:"idempotency-ttl"`
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	Outbox         OutboxConfig
	Graceful       GracefulConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"15m" usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"http://localhost:3000" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"true" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// OutboxConfig controls order event delivery.
type OutboxConfig struct {
	Brokers   string        `default:"" usage:"Comma separated Kafka brokers; events are logged when empty"`
	Topic     string        `default:"orders.events" usage:"Kafka topic for order events"`
	Interval  time.Duration `default:"1s" usage:"Outbox polling interval"`
	BatchSize int           `default:"100" usage:"Max events published per batch" flag:"batch-size"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT secret is required: set SHOP_JWT_SECRET or JWT_SECRET")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
