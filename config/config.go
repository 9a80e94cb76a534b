/*
config.go - Application configuration

PURPOSE:
  Loads server, database, pricing, scheduler, event, logging and client
  settings from an optional YAML file plus ROYALTY_* environment
  variables (viper). Environment wins over the file; the file wins over
  defaults.

SEARCH PATH:
  An explicit file passed to Load, else config.yaml in ".", "./config",
  then "/etc/royalty". A missing file is not an error.

ENVIRONMENT:
  Nested keys use underscores: ROYALTY_SERVER_PORT, ROYALTY_DATABASE_PATH,
  ROYALTY_ROYALTY_RATE_PER_STREAM, ROYALTY_LOG_LEVEL, ...

SEE ALSO:
  - cmd/server/main.go: Server startup
  - cmd/royalties/main.go: CLI
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/royalty-engine/logger"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Royalty   RoyaltyConfig   `mapstructure:"royalty"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
	Client    ClientConfig    `mapstructure:"client"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" for in-memory
}

type RoyaltyConfig struct {
	RatePerStream string `mapstructure:"rate_per_stream"`
}

// Rate parses RatePerStream.
func (r RoyaltyConfig) Rate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(r.RatePerStream)
	if err != nil {
		return decimal.Zero, fmt.Errorf("royalty.rate_per_stream %q: %w", r.RatePerStream, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("royalty.rate_per_stream must not be negative, got %s", rate)
	}
	return rate, nil
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"` // empty disables publishing
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

// Options converts to logger options.
func (l LogConfig) Options() logger.Options {
	return logger.Options{Level: l.Level, Output: l.Output, File: l.File}
}

type ClientConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FetchRetries uint          `mapstructure:"fetch_retries"`
}

type LedgerConfig struct {
	PageSize       int           `mapstructure:"page_size"`
	PaymentWorkers int           `mapstructure:"payment_workers"`
	PaymentTimeout time.Duration `mapstructure:"payment_timeout"`
}

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "ROYALTY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.path", "royalties.db")
	v.SetDefault("royalty.rate_per_stream", "0.01")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/royalty.log")
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.timeout", 15*time.Second)
	v.SetDefault("client.fetch_retries", 3)
	v.SetDefault("ledger.page_size", 10)
	v.SetDefault("ledger.payment_workers", 8)
	v.SetDefault("ledger.payment_timeout", 30*time.Second)
}

// Load reads configuration. file may be empty to use the search path.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/royalty")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := c.Royalty.Rate(); err != nil {
		return err
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive when the scheduler is enabled")
	}
	if c.Ledger.PageSize < 1 {
		return fmt.Errorf("ledger.page_size must be at least 1, got %d", c.Ledger.PageSize)
	}
	if c.Ledger.PaymentWorkers < 1 {
		return fmt.Errorf("ledger.payment_workers must be at least 1, got %d", c.Ledger.PaymentWorkers)
	}
	return nil
}
