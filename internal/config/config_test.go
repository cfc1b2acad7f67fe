package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3001", cfg.Metadata.ServiceURL)
	assert.Equal(t, "ws://localhost:3002/streams", cfg.Transport.BaseURL)
	assert.Equal(t, 5, cfg.Transport.MaxRetries)
	assert.Equal(t, 2.0, cfg.Transport.BackoffFactor)
	assert.True(t, cfg.Transport.JitterEnabled)
	assert.Equal(t, 500, cfg.Buffer.MaxPoints)
	assert.Equal(t, "60s", cfg.Alerts.Cooldown)
	assert.Equal(t, 100, cfg.Alerts.MaxRecent)
	assert.Equal(t, 3, cfg.Correlation.MinSamples)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("TRANSPORT_MAX_RETRIES", "9")
	t.Setenv("ENVIRONMENT", "Production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Transport.MaxRetries)
	// Environment is normalized to lowercase
	assert.Equal(t, "production", cfg.Environment)
}

func TestValidate_RejectsBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Alerts.Cooldown = "sixty seconds"
	assert.Error(t, cfg.validate())
}

func TestValidate_RejectsBadBackoffFactor(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.BackoffFactor = 0.5
	assert.Error(t, cfg.validate())
}

func TestValidate_RejectsBadThresholdDirection(t *testing.T) {
	cfg := validConfig()
	cfg.Alerts.Thresholds = map[string]ThresholdConfig{
		"heart_rate": {Warning: 100, Critical: 140, Direction: "sideways"},
	}
	assert.Error(t, cfg.validate())

	cfg.Alerts.Thresholds["heart_rate"] = ThresholdConfig{Warning: 100, Critical: 140, Direction: "above"}
	assert.NoError(t, cfg.validate())
}

func TestValidate_RejectsTooFewCorrelationSamples(t *testing.T) {
	cfg := validConfig()
	cfg.Correlation.MinSamples = 1
	assert.Error(t, cfg.validate())
}

func TestDuration_Fallback(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("", 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, Duration("250ms", 5*time.Second))
	assert.Equal(t, 5*time.Second, Duration("garbage", 5*time.Second))
}

func validConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			BackoffFactor: 2.0,
			MaxRetries:    5,
		},
		Buffer:      BufferConfig{MaxPoints: 100},
		Correlation: CorrelationConfig{MinSamples: 3},
	}
}
