// Package config loads application configuration from YAML files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PUSHMILL_"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	Auth      AuthConfig      `koanf:"auth"`
	Throttle  ThrottleConfig  `koanf:"throttle"`
	VAPID     VAPIDConfig     `koanf:"vapid"`
	Retry     RetryConfig     `koanf:"retry"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Batch     BatchConfig     `koanf:"batch"`
	Worker    WorkerConfig    `koanf:"worker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig contains API authentication settings.
type AuthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Secret  string `koanf:"secret"`
}

// ThrottleConfig contains HTTP request throttling settings.
type ThrottleConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps"`
	Burst   int     `koanf:"burst"`
}

// VAPIDConfig contains web push signing credentials.
type VAPIDConfig struct {
	PublicKey  string `koanf:"public_key"`
	PrivateKey string `koanf:"private_key"`
	Subscriber string `koanf:"subscriber"`
}

// RetryConfig contains retry policy settings for failed deliveries.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	Factor     float64       `koanf:"factor"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Jitter     bool          `koanf:"jitter"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold    int           `koanf:"failure_threshold"`
	ResetTimeout        time.Duration `koanf:"reset_timeout"`
	HalfOpenMaxAttempts int           `koanf:"half_open_max_attempts"`
}

// RateLimitConfig contains outbound delivery rate limit settings.
type RateLimitConfig struct {
	Capacity   float64 `koanf:"capacity"`
	RefillRate float64 `koanf:"refill_rate"`
}

// BatchConfig contains batch send settings.
type BatchConfig struct {
	Size        int `koanf:"size"`
	Concurrency int `koanf:"concurrency"`
}

// WorkerConfig contains retry worker settings.
type WorkerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
	Concurrency  int           `koanf:"concurrency"`
	ErrorBackoff time.Duration `koanf:"error_backoff"`
}

// Default returns the configuration defaults applied before any file or
// environment overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Throttle: ThrottleConfig{
			RPS:   100,
			Burst: 200,
		},
		Retry: RetryConfig{
			MaxRetries: 8,
			BaseDelay:  time.Second,
			Factor:     2,
			MaxDelay:   time.Hour,
			Jitter:     true,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        60 * time.Second,
			HalfOpenMaxAttempts: 3,
		},
		Batch: BatchConfig{
			Size:        50,
			Concurrency: 10,
		},
		Worker: WorkerConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    50,
			Concurrency:  10,
			ErrorBackoff: 10 * time.Second,
		},
	}
}

// Load reads configuration from the optional YAML file at path, then applies
// PUSHMILL_* environment variables on top. Nested keys in the environment use
// double underscores as separators, for example PUSHMILL_SERVER__PORT or
// PUSHMILL_DATABASE__MAX_OPEN_CONNS.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.VAPID.PublicKey == "" || c.VAPID.PrivateKey == "" {
		errs = append(errs, errors.New("vapid.public_key and vapid.private_key are required"))
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required when auth is enabled"))
	}

	return errors.Join(errs...)
}
