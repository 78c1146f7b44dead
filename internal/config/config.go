package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Collectors  CollectorsConfig `mapstructure:"collectors"`
	Engine      EngineConfig     `mapstructure:"engine"`
	Health      HealthConfig     `mapstructure:"health"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CollectorsConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Symbols      []string          `mapstructure:"symbols"`
	Exchanges    []string          `mapstructure:"exchanges"`
	BaseURLs     map[string]string `mapstructure:"base_urls"`
	PollInterval string            `mapstructure:"poll_interval"`
	MaxBackoff   string            `mapstructure:"max_backoff"`
	HTTPTimeout  string            `mapstructure:"http_timeout"`
	Depth        int               `mapstructure:"depth"`
}

type EngineConfig struct {
	CycleInterval      string             `mapstructure:"cycle_interval"`
	MinProfitBps       float64            `mapstructure:"min_profit_bps"`
	MinVolumeUsd       float64            `mapstructure:"min_volume_usd"`
	StabilityThreshold int                `mapstructure:"stability_threshold"`
	GraceCycles        int                `mapstructure:"grace_cycles"`
	MaxBookAgeMs       int64              `mapstructure:"max_book_age_ms"`
	VolumeCeilingUsd   float64            `mapstructure:"volume_ceiling_usd"`
	DefaultTakerFee    float64            `mapstructure:"default_taker_fee"`
	TakerFees          map[string]float64 `mapstructure:"taker_fees"`
	MaxBackoff         string             `mapstructure:"max_backoff"`
}

type HealthConfig struct {
	WindowSize        int     `mapstructure:"window_size"`
	Interval          string  `mapstructure:"interval"`
	ErrorRateLow      float64 `mapstructure:"error_rate_low"`
	ErrorRateHigh     float64 `mapstructure:"error_rate_high"`
	DelayLowMs        float64 `mapstructure:"delay_low_ms"`
	DelayHighMs       float64 `mapstructure:"delay_high_ms"`
	DownTimeout       string  `mapstructure:"down_timeout"`
	MinHealthyForOK   int     `mapstructure:"min_healthy_for_ok"`
}

type TelegramConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	BotToken         string  `mapstructure:"bot_token"`
	ChatID           string  `mapstructure:"chat_id"`
	RateLimitPerHour int     `mapstructure:"rate_limit_per_hour"`
	DebounceMinutes  int     `mapstructure:"debounce_minutes"`
	AlertProfitBps   float64 `mapstructure:"alert_profit_bps"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("MARKET_INTEL")
	viper.AutomaticEnv()

	if err := viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_BOT_TOKEN environment variable: %w", err)
	}
	if err := viper.BindEnv("telegram.chat_id", "TELEGRAM_CHAT_ID"); err != nil {
		return nil, fmt.Errorf("failed to bind TELEGRAM_CHAT_ID environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the services cannot run on. This is
// the only fatal error path: steady-state conditions degrade instead.
func (c *Config) Validate() error {
	if len(c.Collectors.Symbols) == 0 {
		return errors.New("collectors.symbols must list at least one symbol")
	}
	if len(c.Collectors.Exchanges) < 2 {
		return errors.New("collectors.exchanges must list at least two exchanges")
	}
	if c.Engine.StabilityThreshold < 1 {
		return errors.New("engine.stability_threshold must be at least 1")
	}
	if c.Engine.GraceCycles < 0 {
		return errors.New("engine.grace_cycles must not be negative")
	}
	if c.Engine.MinProfitBps < 0 {
		return errors.New("engine.min_profit_bps must not be negative")
	}
	if c.Engine.MaxBookAgeMs <= 0 {
		return errors.New("engine.max_book_age_ms must be positive")
	}
	if c.Engine.VolumeCeilingUsd <= 0 {
		return errors.New("engine.volume_ceiling_usd must be positive")
	}
	if c.Health.WindowSize < 1 {
		return errors.New("health.window_size must be at least 1")
	}
	if c.Health.ErrorRateLow > c.Health.ErrorRateHigh {
		return errors.New("health.error_rate_low must not exceed health.error_rate_high")
	}
	if c.Health.DelayLowMs > c.Health.DelayHighMs {
		return errors.New("health.delay_low_ms must not exceed health.delay_high_ms")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token is required when telegram notifications are enabled")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"engine.cycle_interval", c.Engine.CycleInterval},
		{"engine.max_backoff", c.Engine.MaxBackoff},
		{"collectors.poll_interval", c.Collectors.PollInterval},
		{"collectors.max_backoff", c.Collectors.MaxBackoff},
		{"collectors.http_timeout", c.Collectors.HTTPTimeout},
		{"health.interval", c.Health.Interval},
		{"health.down_timeout", c.Health.DownTimeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s duration: %w", field.name, err)
		}
	}
	return nil
}

// Duration parses a pre-validated duration string.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Collectors
	viper.SetDefault("collectors.enabled", true)
	viper.SetDefault("collectors.symbols", []string{"BTCUSDT", "ETHUSDT"})
	viper.SetDefault("collectors.exchanges", []string{"binance", "okx"})
	viper.SetDefault("collectors.poll_interval", "1s")
	viper.SetDefault("collectors.max_backoff", "10s")
	viper.SetDefault("collectors.http_timeout", "3s")
	viper.SetDefault("collectors.depth", 5)

	// Engine
	viper.SetDefault("engine.cycle_interval", "2s")
	viper.SetDefault("engine.min_profit_bps", 5.0)
	viper.SetDefault("engine.min_volume_usd", 100.0)
	viper.SetDefault("engine.stability_threshold", 3)
	viper.SetDefault("engine.grace_cycles", 2)
	viper.SetDefault("engine.max_book_age_ms", 10000)
	viper.SetDefault("engine.volume_ceiling_usd", 5000.0)
	viper.SetDefault("engine.default_taker_fee", 0.001)
	viper.SetDefault("engine.max_backoff", "30s")

	// Health
	viper.SetDefault("health.window_size", 50)
	viper.SetDefault("health.interval", "5s")
	viper.SetDefault("health.error_rate_low", 0.05)
	viper.SetDefault("health.error_rate_high", 0.25)
	viper.SetDefault("health.delay_low_ms", 500.0)
	viper.SetDefault("health.delay_high_ms", 2000.0)
	viper.SetDefault("health.down_timeout", "30s")
	viper.SetDefault("health.min_healthy_for_ok", 2)

	// Telegram
	viper.SetDefault("telegram.enabled", false)
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", "")
	viper.SetDefault("telegram.rate_limit_per_hour", 12)
	viper.SetDefault("telegram.debounce_minutes", 10)
	viper.SetDefault("telegram.alert_profit_bps", 25.0)
}
