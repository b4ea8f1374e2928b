// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AdminKey string `env:"ADMIN_KEY"`

	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"12h"`
	SecureCookies   bool          `env:"SECURE_COOKIES" envDefault:"false"`

	Market  MarketConfig
	Cache   CacheConfig
	Tracing TracingConfig
}

// MarketConfig holds marketplace backend configuration
type MarketConfig struct {
	APIURL       string `env:"MARKET_API_URL" envDefault:"http://localhost:5000/api"`
	APIKey       string `env:"MARKET_API_KEY"`
	ClientID     string `env:"MARKET_CLIENT_ID"`
	ClientSecret string `env:"MARKET_CLIENT_SECRET"`
	TokenURL     string `env:"MARKET_TOKEN_URL"`
}

// CacheConfig holds request cache configuration
type CacheConfig struct {
	TTL           time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	SweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"10m"`
	Disabled      bool          `env:"CACHE_DISABLED" envDefault:"false"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	SampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasClientCredentials returns true if the worker can fetch its own token
func (c *Config) HasClientCredentials() bool {
	return c.Market.ClientID != "" && c.Market.ClientSecret != "" && c.Market.TokenURL != ""
}

// Validate checks that required values are present and sane
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if u, err := url.Parse(c.Market.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("MARKET_API_URL must be an absolute URL, got %q", c.Market.APIURL))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.Cache.TTL))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be positive, got %s", c.Cache.SweepInterval))
	}
	if c.SessionLifetime <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_LIFETIME must be positive, got %s", c.SessionLifetime))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}
