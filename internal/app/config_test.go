package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testLoaderConfig(files ...string) aconfig.Config {
	return aconfig.Config{
		EnvPrefix: "SHOP",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	}
}

func clearPlatformEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "PORT", "SHOP_DATABASE_URL", "SHOP_ADDR"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("DATABASE_URL", "postgres://shop@localhost/shop")

	cfg, err := loadConfig(testLoaderConfig())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr)
	assert.Equal(t, "postgres://shop@localhost/shop", cfg.DatabaseURL)
	assert.False(t, cfg.QueueEnabled())
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 20, cfg.RateLimit.ValidateMax)
	assert.Equal(t, []string{"*"}, cfg.CORS.Origins)
	assert.Equal(t, 10, cfg.Queue.MaxRetry)
	assert.Equal(t, 15*time.Second, cfg.Graceful.ShutdownTimeout)

	pricing, err := cfg.PricingRules()
	require.NoError(t, err)
	assert.True(t, pricing.DeliveryCharge.Equal(decimal.NewFromInt(49)))
	assert.True(t, pricing.FreeDeliveryFrom.Equal(decimal.NewFromInt(1999)))
}

func TestLoadConfig_RequiresDatabase(t *testing.T) {
	clearPlatformEnv(t)

	_, err := loadConfig(testLoaderConfig())
	require.ErrorContains(t, err, "database URL is required")
}

func TestLoadConfig_PlatformDefaults(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("DATABASE_URL", "postgres://db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("PORT", "9090")

	cfg, err := loadConfig(testLoaderConfig())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
	assert.True(t, cfg.QueueEnabled())
	opt, err := cfg.RedisConnOpt()
	require.NoError(t, err)
	assert.NotNil(t, opt)
}

func TestLoadConfig_PrefixedEnvWins(t *testing.T) {
	clearPlatformEnv(t)
	t.Setenv("DATABASE_URL", "postgres://platform")
	t.Setenv("SHOP_DATABASE_URL", "postgres://explicit")
	t.Setenv("SHOP_ADDR", "127.0.0.1:7000")
	t.Setenv("PORT", "9090")

	cfg, err := loadConfig(testLoaderConfig())
	require.NoError(t, err)

	assert.Equal(t, "postgres://explicit", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestLoadConfig_File(t *testing.T) {
	clearPlatformEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"addr: 127.0.0.1:8181\n"+
			"database_url: postgres://from-file\n"+
			"image_base_url: https://cdn.example.com\n",
	), 0o600))

	cfg, err := loadConfig(testLoaderConfig(path))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8181", cfg.Addr)
	assert.Equal(t, "postgres://from-file", cfg.DatabaseURL)
	assert.Equal(t, "https://cdn.example.com", cfg.ImageBaseURL)
}

func TestPricingRules_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		pricing PricingConfig
	}{
		{"not a number", PricingConfig{DeliveryCharge: "five", FreeDeliveryFrom: "100"}},
		{"negative", PricingConfig{DeliveryCharge: "-1", FreeDeliveryFrom: "100"}},
		{"bad threshold", PricingConfig{DeliveryCharge: "5", FreeDeliveryFrom: ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DatabaseURL: "postgres://db", Pricing: tt.pricing}
			require.Error(t, cfg.validate())
		})
	}
}

func TestWithFileSink(t *testing.T) {
	base := zaptest.NewLogger(t)

	lg, closer := WithFileSink(base, LogConfig{})
	assert.Same(t, base, lg)
	require.NoError(t, closer.Close())

	path := filepath.Join(t.TempDir(), "shop.log")
	lg, closer = WithFileSink(base, LogConfig{File: path, MaxSizeMB: 1})
	lg.Info("Order placed")
	require.NoError(t, lg.Sync())
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Order placed"`)
}
