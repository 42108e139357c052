package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
	Invoke   InvokeConfig   `yaml:"invoke" mapstructure:"invoke"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Guard    GuardConfig    `yaml:"guard" mapstructure:"guard"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// BackendConfig configures the story backend gateway.
type BackendConfig struct {
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// InvokeConfig configures retries of the final story call.
type InvokeConfig struct {
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseSecs int     `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffFactor   float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	MaxBackoffSecs  int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// PipelineConfig configures step behavior.
type PipelineConfig struct {
	IntermediatePolicy string `yaml:"intermediate_policy" mapstructure:"intermediate_policy"`
	SimulateOnFailure  bool   `yaml:"simulate_on_failure" mapstructure:"simulate_on_failure"`
}

// GuardConfig configures the per-user in-flight guard.
type GuardConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	TTLSecs   int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SessionConfig configures onboarding sessions held by the server.
type SessionConfig struct {
	TTLMins int `yaml:"ttl_mins" mapstructure:"ttl_mins"`
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
	v.SetEnvPrefix("ECHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_secs", 300)
	v.SetDefault("backend.rate_limit_rps", 0)
	v.SetDefault("backend.rate_burst", 1)
	v.SetDefault("invoke.timeout_secs", 1200)
	v.SetDefault("invoke.max_retries", 3)
	v.SetDefault("invoke.backoff_base_secs", 20)
	v.SetDefault("invoke.backoff_factor", 2.0)
	v.SetDefault("invoke.max_backoff_secs", 0)
	v.SetDefault("pipeline.intermediate_policy", "abort")
	v.SetDefault("pipeline.simulate_on_failure", false)
	v.SetDefault("guard.driver", "memory")
	v.SetDefault("guard.redis_addr", "localhost:6379")
	v.SetDefault("guard.ttl_secs", 3600)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "echo.db")
	v.SetDefault("batch.max_concurrency", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("session.ttl_mins", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Mode is one of
// "generate", "batch" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "generate":
	case "batch":
		if c.Batch.MaxConcurrency < 1 || c.Batch.MaxConcurrency > 50 {
			errs = append(errs, "batch.max_concurrency must be between 1 and 50")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required")
	}
	if c.Invoke.MaxRetries < 0 {
		errs = append(errs, "invoke.max_retries must be >= 0")
	}
	if c.Invoke.BackoffFactor != 0 && c.Invoke.BackoffFactor < 1 {
		errs = append(errs, "invoke.backoff_factor must be >= 1")
	}

	switch strings.ToLower(c.Pipeline.IntermediatePolicy) {
	case "", "abort", "continue":
	default:
		errs = append(errs, "pipeline.intermediate_policy must be abort or continue")
	}

	switch c.Guard.Driver {
	case "", "none", "memory":
	case "redis":
		if c.Guard.RedisAddr == "" {
			errs = append(errs, "guard.redis_addr is required for the redis driver")
		}
		// The lock is refreshed every ttl/3 while a run holds it.
		if c.Guard.TTLSecs < 0 || (c.Guard.TTLSecs > 0 && c.Guard.TTLSecs < 3) {
			errs = append(errs, "guard.ttl_secs must be >= 3 for the redis driver")
		}
	default:
		errs = append(errs, "guard.driver must be none, memory or redis")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
