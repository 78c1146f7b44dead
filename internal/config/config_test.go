package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Collectors.Symbols)
	assert.Equal(t, []string{"binance", "okx"}, cfg.Collectors.Exchanges)
	assert.Equal(t, 5.0, cfg.Engine.MinProfitBps)
	assert.Equal(t, 3, cfg.Engine.StabilityThreshold)
	assert.Equal(t, 2, cfg.Engine.GraceCycles)
	assert.Equal(t, 12, cfg.Telegram.RateLimitPerHour)
	assert.False(t, cfg.Telegram.Enabled)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Collectors.Symbols = nil }},
		{"single exchange", func(c *Config) { c.Collectors.Exchanges = []string{"binance"} }},
		{"zero stability threshold", func(c *Config) { c.Engine.StabilityThreshold = 0 }},
		{"negative grace cycles", func(c *Config) { c.Engine.GraceCycles = -1 }},
		{"zero book age", func(c *Config) { c.Engine.MaxBookAgeMs = 0 }},
		{"inverted error bounds", func(c *Config) { c.Health.ErrorRateLow = 0.5; c.Health.ErrorRateHigh = 0.1 }},
		{"telegram enabled without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "" }},
		{"bad cycle interval", func(c *Config) { c.Engine.CycleInterval = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadDefaults(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelper(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, 2*time.Second, Duration(cfg.Engine.CycleInterval))
	assert.Equal(t, 30*time.Second, Duration(cfg.Engine.MaxBackoff))
}
