package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metadata    MetadataConfig    `mapstructure:"metadata"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Buffer      BufferConfig      `mapstructure:"buffer"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Stats       StatsConfig       `mapstructure:"stats"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Cache       CacheConfig       `mapstructure:"cache"`
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

// MetadataConfig points at the stream metadata service that resolves
// patient + stream ids into stream descriptors.
type MetadataConfig struct {
	ServiceURL string `mapstructure:"service_url"`
	Timeout    int    `mapstructure:"timeout"`
}

// TransportConfig drives the per-stream WebSocket connections and the
// reconnection backoff policy.
type TransportConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	HandshakeTimeout string  `mapstructure:"handshake_timeout"`
	MaxRetries       int     `mapstructure:"max_retries"`
	InitialBackoff   string  `mapstructure:"initial_backoff"`
	MaxBackoff       string  `mapstructure:"max_backoff"`
	BackoffFactor    float64 `mapstructure:"backoff_factor"`
	JitterEnabled    bool    `mapstructure:"jitter_enabled"`
}

// BufferConfig bounds the in-memory working window per stream.
type BufferConfig struct {
	MaxPoints int    `mapstructure:"max_points"`
	MaxAge    string `mapstructure:"max_age"`
}

// ThresholdConfig overrides the clinical threshold for a single stream type.
// Direction "below" means values under the bound are abnormal (e.g. SpO2).
type ThresholdConfig struct {
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Direction string  `mapstructure:"direction"`
}

type AlertsConfig struct {
	Cooldown           string                     `mapstructure:"cooldown"`
	MaxRecent          int                        `mapstructure:"max_recent"`
	ClinicalServiceURL string                     `mapstructure:"clinical_service_url"`
	SubmitTimeout      int                        `mapstructure:"submit_timeout"`
	RedeliverInterval  string                     `mapstructure:"redeliver_interval"`
	Thresholds         map[string]ThresholdConfig `mapstructure:"thresholds"`
}

type CorrelationConfig struct {
	MinSamples int    `mapstructure:"min_samples"`
	MaxSkew    string `mapstructure:"max_skew"`
	Interval   string `mapstructure:"interval"`
}

type StatsConfig struct {
	SMAPeriod int `mapstructure:"sma_period"`
	EMAPeriod int `mapstructure:"ema_period"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	TTL     string `mapstructure:"ttl"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
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

	// Normalize environment to lowercase for consistent comparison
	config.Environment = strings.ToLower(config.Environment)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate checks every duration-typed string so a bad config fails at
// startup rather than at first use.
func (c *Config) validate() error {
	durations := map[string]string{
		"transport.handshake_timeout": c.Transport.HandshakeTimeout,
		"transport.initial_backoff":   c.Transport.InitialBackoff,
		"transport.max_backoff":       c.Transport.MaxBackoff,
		"buffer.max_age":              c.Buffer.MaxAge,
		"alerts.cooldown":             c.Alerts.Cooldown,
		"alerts.redeliver_interval":   c.Alerts.RedeliverInterval,
		"correlation.max_skew":        c.Correlation.MaxSkew,
		"correlation.interval":        c.Correlation.Interval,
		"cache.ttl":                   c.Cache.TTL,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if c.Transport.BackoffFactor < 1.0 {
		return fmt.Errorf("transport.backoff_factor must be >= 1.0, got %g", c.Transport.BackoffFactor)
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries must be >= 0, got %d", c.Transport.MaxRetries)
	}
	if c.Buffer.MaxPoints <= 0 {
		return fmt.Errorf("buffer.max_points must be positive, got %d", c.Buffer.MaxPoints)
	}
	if c.Correlation.MinSamples < 2 {
		return fmt.Errorf("correlation.min_samples must be >= 2, got %d", c.Correlation.MinSamples)
	}

	for streamType, th := range c.Alerts.Thresholds {
		switch th.Direction {
		case "", "above", "below":
		default:
			return fmt.Errorf("alerts.thresholds.%s.direction must be \"above\" or \"below\", got %q", streamType, th.Direction)
		}
	}

	return nil
}

// Duration parses a duration config string that has already passed
// validation; fallback covers empty values.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	// Environment
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

	// Metadata service
	viper.SetDefault("metadata.service_url", "http://localhost:3001")
	viper.SetDefault("metadata.timeout", 15)

	// Transport
	viper.SetDefault("transport.base_url", "ws://localhost:3002/streams")
	viper.SetDefault("transport.handshake_timeout", "10s")
	viper.SetDefault("transport.max_retries", 5)
	viper.SetDefault("transport.initial_backoff", "500ms")
	viper.SetDefault("transport.max_backoff", "30s")
	viper.SetDefault("transport.backoff_factor", 2.0)
	viper.SetDefault("transport.jitter_enabled", true)

	// Buffer
	viper.SetDefault("buffer.max_points", 500)
	viper.SetDefault("buffer.max_age", "15m")

	// Alerts
	viper.SetDefault("alerts.cooldown", "60s")
	viper.SetDefault("alerts.max_recent", 100)
	viper.SetDefault("alerts.clinical_service_url", "http://localhost:3003")
	viper.SetDefault("alerts.submit_timeout", 10)
	viper.SetDefault("alerts.redeliver_interval", "30s")

	// Correlation
	viper.SetDefault("correlation.min_samples", 3)
	viper.SetDefault("correlation.max_skew", "2s")
	viper.SetDefault("correlation.interval", "30s")

	// Stats
	viper.SetDefault("stats.sma_period", 10)
	viper.SetDefault("stats.ema_period", 10)

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", "")

	// Cache
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.ttl", "5m")
}
