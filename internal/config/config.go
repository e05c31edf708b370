// Package config loads process configuration for the billing commands.
// Values come from defaults, then an optional config.yaml, then the
// environment (a .env file is loaded first when present).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// ErrMissingRequired is returned when a required setting has no value.
var ErrMissingRequired = errors.New("missing required configuration")

// Config holds all configuration for the billing service.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// HTTPConfig holds API server configuration
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" envconfig:"HTTP_ADDR"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds Postgres configuration
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" envconfig:"DATABASE_URL"`
	MaxConns       int32         `mapstructure:"max_conns" envconfig:"DB_MAX_CONNS"`
	MinConns       int32         `mapstructure:"min_conns" envconfig:"DB_MIN_CONNS"`
	EventRetention time.Duration `mapstructure:"event_retention" envconfig:"WEBHOOK_EVENT_RETENTION"`

	// PrunePayloads empties payloads of processed events past EventRetention.
	PrunePayloads bool `mapstructure:"prune_payloads" envconfig:"WEBHOOK_PRUNE_PAYLOADS"`
}

// RedisConfig holds plan cache configuration. An empty URL disables the cache.
type RedisConfig struct {
	URL          string        `mapstructure:"url" envconfig:"REDIS_URL"`
	KeyPrefix    string        `mapstructure:"key_prefix" envconfig:"REDIS_KEY_PREFIX"`
	PlanCacheTTL time.Duration `mapstructure:"plan_cache_ttl" envconfig:"PLAN_CACHE_TTL"`
}

// StripeConfig holds payment provider credentials
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key" envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string `mapstructure:"webhook_secret" envconfig:"STRIPE_WEBHOOK_SECRET"`
	APIBaseURL    string `mapstructure:"api_base_url" envconfig:"STRIPE_API_BASE_URL"`
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" envconfig:"AUTH_JWT_SECRET"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  string `mapstructure:"level" envconfig:"LOG_LEVEL"`
	Format string `mapstructure:"format" envconfig:"LOG_FORMAT"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Addr      string `mapstructure:"addr" envconfig:"METRICS_ADDR"`
	Namespace string `mapstructure:"namespace" envconfig:"METRICS_NAMESPACE"`
}

// Default returns the configuration used before any file or environment
// value is applied.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:       10,
			MinConns:       2,
			EventRetention: 30 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix:    "billing:",
			PlanCacheTTL: 5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr:      ":9090",
			Namespace: "billing",
		},
	}
}

// Options controls where Load looks for input.
type Options struct {
	// EnvFiles are loaded with godotenv before the environment is read.
	// Missing files are ignored. Default: .env
	EnvFiles []string

	// ConfigPaths are searched for config.yaml. Default: ./configs and .
	ConfigPaths []string

	// Require lists the settings that must be set, by environment name.
	Require []string
}

// Load builds the service configuration. DATABASE_URL and
// STRIPE_SECRET_KEY are required.
func Load() (*Config, error) {
	return LoadWith(Options{Require: []string{"DATABASE_URL", "STRIPE_SECRET_KEY"}})
}

// LoadWith builds a configuration with explicit options.
func LoadWith(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Missing .env files are fine; the process environment still applies.
		_ = godotenv.Load(f)
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	paths := opts.ConfigPaths
	if paths == nil {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	cfg.Logger.Format = strings.ToLower(strings.TrimSpace(cfg.Logger.Format))
	if err := cfg.validate(opts.Require); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(required []string) error {
	values := map[string]string{
		"DATABASE_URL":          c.Database.URL,
		"STRIPE_SECRET_KEY":     c.Stripe.SecretKey,
		"STRIPE_WEBHOOK_SECRET": c.Stripe.WebhookSecret,
		"AUTH_JWT_SECRET":       c.Auth.JWTSecret,
		"REDIS_URL":             c.Redis.URL,
	}
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: must be json or console", c.Logger.Format)
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

// Pretty reports whether logs should use the console writer.
func (c *LoggerConfig) Pretty() bool {
	return c.Format == "console"
}
