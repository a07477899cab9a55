package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/queue"
	"github.com/xenking/shopfront/internal/repository"
	"github.com/xenking/shopfront/internal/worker"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	ImageBaseURL string `default:"" usage:"Base URL for product images (e.g. https://cdn.example.com/images)" flag:"image-base-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (SHOP_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Database     DatabaseConfig
	Pricing      PricingConfig
	Queue        QueueConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
	Log          LogConfig
}

// DatabaseConfig tunes the connection pool.
type DatabaseConfig struct {
	MaxConns int32 `default:"10" usage:"Maximum pool connections"`
	MinConns int32 `default:"0"  usage:"Minimum idle pool connections"`
}

// PricingConfig holds delivery charge rules as decimal strings.
type PricingConfig struct {
	DeliveryCharge   string `default:"49.00"   usage:"Flat delivery charge"`
	FreeDeliveryFrom string `default:"1999.00" usage:"Subtotal from which delivery is free (0 disables)"`
}

// QueueConfig controls the redemption retry queue. An empty RedisURL
// disables it.
type QueueConfig struct {
	RedisURL    string        `usage:"Redis URL for the retry queue (SHOP_QUEUE_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	MaxRetry    int           `default:"10"  usage:"Max attempts per redemption task"`
	Timeout     time.Duration `default:"30s" usage:"Per-attempt timeout"`
	Retention   time.Duration `default:"24h" usage:"How long completed tasks block duplicates"`
	Concurrency int           `default:"10"  usage:"Worker concurrency"`
}

// RateLimitConfig controls the per-client sliding window rate limiters.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
	// Coupon validation is limited separately to slow down code guessing.
	ValidateMax    int           `default:"20" usage:"Max coupon validations per window"`
	ValidateWindow time.Duration `default:"1m" usage:"Coupon validation window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LogConfig adds an optional rotating file sink next to the default output.
type LogConfig struct {
	File       string `default:"" usage:"Log file path, empty to disable"`
	MaxSizeMB  int    `default:"100" usage:"Rotate after this many megabytes"`
	MaxBackups int    `default:"5" usage:"Rotated files to keep"`
	MaxAgeDays int    `default:"28" usage:"Days to keep rotated files"`
	Compress   bool   `default:"true" usage:"Gzip rotated files"`
}

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, then applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shopfront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_URL and PORT
// to the application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Queue.RedisURL == "" {
		c.Queue.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if _, err := c.PricingRules(); err != nil {
		return err
	}
	if c.Queue.RedisURL != "" {
		if _, err := c.RedisConnOpt(); err != nil {
			return err
		}
	}
	return nil
}

// PricingRules parses the delivery pricing.
func (c *Config) PricingRules() (order.Pricing, error) {
	charge, err := decimal.NewFromString(c.Pricing.DeliveryCharge)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse delivery charge")
	}
	from, err := decimal.NewFromString(c.Pricing.FreeDeliveryFrom)
	if err != nil {
		return order.Pricing{}, errors.Wrap(err, "parse free delivery threshold")
	}
	if charge.IsNegative() || from.IsNegative() {
		return order.Pricing{}, errors.New("pricing must not be negative")
	}
	return order.Pricing{DeliveryCharge: charge, FreeDeliveryFrom: from}, nil
}

// QueueEnabled reports whether a redis URL is configured.
func (c *Config) QueueEnabled() bool {
	return c.Queue.RedisURL != ""
}

// RedisConnOpt parses the queue redis URL.
func (c *Config) RedisConnOpt() (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(c.Queue.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return opt, nil
}

// PoolConfig returns the database pool settings.
func (c *Config) PoolConfig() repository.PoolConfig {
	return repository.PoolConfig{
		MaxConns: c.Database.MaxConns,
		MinConns: c.Database.MinConns,
	}
}

// QueueClientConfig returns the task options for enqueued redemptions.
func (c *Config) QueueClientConfig() queue.Config {
	return queue.Config{
		MaxRetry:  c.Queue.MaxRetry,
		Timeout:   c.Queue.Timeout,
		Retention: c.Queue.Retention,
	}
}

// WorkerConfig returns the asynq server settings.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{Concurrency: c.Queue.Concurrency}
}
