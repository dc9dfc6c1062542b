package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type RealtimeCfg struct {
	URL                     string  `mapstructure:"url"`
	HandshakeTimeoutSeconds int     `mapstructure:"handshake_timeout_seconds"`
	MaxAttempts             int     `mapstructure:"max_attempts"`
	BackoffInitialMillis    int     `mapstructure:"backoff_initial_millis"`
	BackoffMaxMillis        int     `mapstructure:"backoff_max_millis"`
	TypingRatePerSec        float64 `mapstructure:"typing_rate_per_sec"`
	TypingBurst             int     `mapstructure:"typing_burst"`
}

type RestCfg struct {
	BaseURL                string `mapstructure:"base_url"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	RetryMaxElapsedSeconds int    `mapstructure:"retry_max_elapsed_seconds"`
	BreakerMaxFailures     uint32 `mapstructure:"breaker_max_failures"`
	BreakerIntervalSeconds int    `mapstructure:"breaker_interval_seconds"`
	BreakerTimeoutSeconds  int    `mapstructure:"breaker_timeout_seconds"`
}

type ChatCfg struct {
	QuietIntervalMillis int `mapstructure:"quiet_interval_millis"`
	TypingExpiryMillis  int `mapstructure:"typing_expiry_millis"`
	AckTimeoutMillis    int `mapstructure:"ack_timeout_millis"`
	ReadFlushMillis     int `mapstructure:"read_flush_millis"`
	PageSize            int `mapstructure:"page_size"`
}

type OpsCfg struct {
	Port string `mapstructure:"port"`
}

type Config struct {
	Environment string      `mapstructure:"environment"`
	Credential  string      `mapstructure:"credential"`
	UserID      string      `mapstructure:"user_id"`
	Realtime    RealtimeCfg `mapstructure:"realtime"`
	Rest        RestCfg     `mapstructure:"rest"`
	Chat        ChatCfg     `mapstructure:"chat"`
	Ops         OpsCfg      `mapstructure:"ops"`

	// Derived
	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	RestTimeout      time.Duration
	RetryMaxElapsed  time.Duration
	BreakerInterval  time.Duration
	BreakerTimeout   time.Duration
	QuietInterval    time.Duration
	TypingExpiry     time.Duration
	AckTimeout       time.Duration
	ReadFlush        time.Duration
}

// Load reads configuration from path, with APP_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Realtime.URL == "" {
		return nil, fmt.Errorf("config: realtime.url is required")
	}
	if cfg.Rest.BaseURL == "" {
		return nil, fmt.Errorf("config: rest.base_url is required")
	}
	cfg.derive()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Realtime.HandshakeTimeoutSeconds == 0 {
		c.Realtime.HandshakeTimeoutSeconds = 10
	}
	if c.Realtime.MaxAttempts == 0 {
		c.Realtime.MaxAttempts = 5
	}
	if c.Realtime.BackoffInitialMillis == 0 {
		c.Realtime.BackoffInitialMillis = 500
	}
	if c.Realtime.BackoffMaxMillis == 0 {
		c.Realtime.BackoffMaxMillis = 10000
	}
	if c.Realtime.TypingRatePerSec == 0 {
		c.Realtime.TypingRatePerSec = 2
	}
	if c.Realtime.TypingBurst == 0 {
		c.Realtime.TypingBurst = 4
	}
	if c.Rest.TimeoutSeconds == 0 {
		c.Rest.TimeoutSeconds = 15
	}
	if c.Rest.RetryMaxElapsedSeconds == 0 {
		c.Rest.RetryMaxElapsedSeconds = 20
	}
	if c.Rest.BreakerMaxFailures == 0 {
		c.Rest.BreakerMaxFailures = 5
	}
	if c.Rest.BreakerIntervalSeconds == 0 {
		c.Rest.BreakerIntervalSeconds = 60
	}
	if c.Rest.BreakerTimeoutSeconds == 0 {
		c.Rest.BreakerTimeoutSeconds = 30
	}
	if c.Chat.QuietIntervalMillis == 0 {
		c.Chat.QuietIntervalMillis = 2000
	}
	if c.Chat.TypingExpiryMillis == 0 {
		c.Chat.TypingExpiryMillis = 6000
	}
	if c.Chat.AckTimeoutMillis == 0 {
		c.Chat.AckTimeoutMillis = 10000
	}
	if c.Chat.ReadFlushMillis == 0 {
		c.Chat.ReadFlushMillis = 250
	}
	if c.Chat.PageSize == 0 {
		c.Chat.PageSize = 50
	}
	if c.Ops.Port == "" {
		c.Ops.Port = "9109"
	}
}

func (c *Config) derive() {
	c.HandshakeTimeout = time.Duration(c.Realtime.HandshakeTimeoutSeconds) * time.Second
	c.BackoffInitial = time.Duration(c.Realtime.BackoffInitialMillis) * time.Millisecond
	c.BackoffMax = time.Duration(c.Realtime.BackoffMaxMillis) * time.Millisecond
	c.RestTimeout = time.Duration(c.Rest.TimeoutSeconds) * time.Second
	c.RetryMaxElapsed = time.Duration(c.Rest.RetryMaxElapsedSeconds) * time.Second
	c.BreakerInterval = time.Duration(c.Rest.BreakerIntervalSeconds) * time.Second
	c.BreakerTimeout = time.Duration(c.Rest.BreakerTimeoutSeconds) * time.Second
	c.QuietInterval = time.Duration(c.Chat.QuietIntervalMillis) * time.Millisecond
	c.TypingExpiry = time.Duration(c.Chat.TypingExpiryMillis) * time.Millisecond
	c.AckTimeout = time.Duration(c.Chat.AckTimeoutMillis) * time.Millisecond
	c.ReadFlush = time.Duration(c.Chat.ReadFlushMillis) * time.Millisecond
}
