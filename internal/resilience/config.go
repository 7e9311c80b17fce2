package resilience

import (
	"time"
)

// Config is the resilience section of the application config.
type Config struct {
	BreakerThreshold   int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	RetryMaxAttempts   int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialMs     int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs         int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	RetryMultiplier    float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitterPercent int     `yaml:"retry_jitter_percent" mapstructure:"retry_jitter_percent"`
}

// Retry converts the config into a RetryConfig, keeping defaults for unset fields.
func (c Config) Retry() RetryConfig {
	cfg := DefaultRetryConfig()
	if c.RetryMaxAttempts > 0 {
		cfg.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryInitialMs > 0 {
		cfg.InitialBackoff = time.Duration(c.RetryInitialMs) * time.Millisecond
	}
	if c.RetryMaxMs > 0 {
		cfg.MaxBackoff = time.Duration(c.RetryMaxMs) * time.Millisecond
	}
	if c.RetryMultiplier > 0 {
		cfg.Multiplier = c.RetryMultiplier
	}
	if c.RetryJitterPercent >= 0 {
		cfg.JitterFraction = float64(c.RetryJitterPercent) / 100
	}
	return cfg
}

// Breaker converts the config into a CircuitBreakerConfig.
func (c Config) Breaker() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.BreakerThreshold > 0 {
		cfg.FailureThreshold = c.BreakerThreshold
	}
	if c.BreakerResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.BreakerResetSecs) * time.Second
	}
	return cfg
}
