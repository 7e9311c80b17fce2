package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/rules"
	"github.com/sells-group/enrich-cli/internal/waterfall"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
	Anthropic  AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Gemini     GeminiConfig      `yaml:"gemini" mapstructure:"gemini"`
	Perplexity PerplexityConfig  `yaml:"perplexity" mapstructure:"perplexity"`
	Geocode    GeocodeConfig     `yaml:"geocode" mapstructure:"geocode"`
	Waterfall  waterfall.Config  `yaml:"waterfall" mapstructure:"waterfall"`
	Rules      rules.Lexicon     `yaml:"rules" mapstructure:"rules"`
	Batch      BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Resilience resilience.Config `yaml:"resilience" mapstructure:"resilience"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeocodeConfig selects the single geocoding provider.
type GeocodeConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	IntervalMs  int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Disabled    bool   `yaml:"disabled" mapstructure:"disabled"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	Limit  int    `yaml:"limit" mapstructure:"limit"`
	Shards int    `yaml:"shards" mapstructure:"shards"`
	Scope  string `yaml:"scope" mapstructure:"scope"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures provider health alerting.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	AlertCooldownMins        int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	MinSamples               int     `yaml:"min_samples" mapstructure:"min_samples"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ProviderFailureThreshold float64 `yaml:"provider_failure_threshold" mapstructure:"provider_failure_threshold"`
	DegradedRateThreshold    float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	GeocodeFailureThreshold  float64 `yaml:"geocode_failure_threshold" mapstructure:"geocode_failure_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "enrich.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("gemini.key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("geocode.provider", "nominatim")
	v.SetDefault("geocode.api_key", "")
	v.SetDefault("geocode.endpoint", "")
	v.SetDefault("geocode.user_agent", "")
	v.SetDefault("geocode.interval_ms", 1000)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.disabled", false)
	v.SetDefault("waterfall.classification", []string{"anthropic", "openai", "gemini"})
	v.SetDefault("waterfall.enhancement", []string{"anthropic", "openai", "gemini"})
	v.SetDefault("waterfall.timeout_secs", 20)
	v.SetDefault("waterfall.chain_file", "")
	v.SetDefault("batch.limit", 50)
	v.SetDefault("batch.shards", 1)
	v.SetDefault("batch.scope", string(model.ScopeAll))
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.min_samples", 10)
	v.SetDefault("monitoring.failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.provider_failure_threshold", 0.5)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.25)
	v.SetDefault("monitoring.geocode_failure_threshold", 0.3)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_reset_secs", 60)
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.retry_initial_ms", 500)
	v.SetDefault("resilience.retry_max_ms", 10000)
	v.SetDefault("resilience.retry_multiplier", 2.0)
	v.SetDefault("resilience.retry_jitter_percent", 25)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "store" (any
// command touching the database), "batch" and "serve". All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for sqlite")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for postgres")
		}
	default:
		add("store.driver %q is unknown (want sqlite or postgres)", c.Store.Driver)
	}

	switch mode {
	case "store":
	case "serve", "batch":
		if mode == "serve" && c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if _, err := model.ParseScope(c.Batch.Scope); err != nil {
			add("batch.scope %q is invalid", c.Batch.Scope)
		}
		if c.Batch.Limit < 0 {
			add("batch.limit must be >= 0")
		}
		if c.Batch.Shards < 0 || c.Batch.Shards > 32 {
			add("batch.shards must be between 0 and 32")
		}
		if c.Geocode.IntervalMs < 0 {
			add("geocode.interval_ms must be >= 0")
		}
		if err := c.Waterfall.Validate(); err != nil {
			add("%s", err.Error())
		}
		for _, th := range []struct {
			name string
			v    float64
		}{
			{"failure_rate_threshold", c.Monitoring.FailureRateThreshold},
			{"provider_failure_threshold", c.Monitoring.ProviderFailureThreshold},
			{"degraded_rate_threshold", c.Monitoring.DegradedRateThreshold},
			{"geocode_failure_threshold", c.Monitoring.GeocodeFailureThreshold},
		} {
			if th.v < 0 || th.v > 1 {
				add("monitoring.%s must be between 0 and 1", th.name)
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Lexicon returns the configured rule engine lexicon, or the default one
// when no keywords are configured.
func (c *Config) Lexicon() rules.Lexicon {
	if len(c.Rules.Positive) == 0 {
		lex := rules.DefaultLexicon()
		if c.Rules.Category != "" {
			lex.Category = c.Rules.Category
		}
		return lex
	}
	return c.Rules
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
