package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Tariff   TariffConfig   `mapstructure:"tariff"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BillingConfig holds billing configuration
type BillingConfig struct {
	DefaultCurrency string `mapstructure:"default_currency"`
}

// SweeperConfig holds expiration sweeper configuration
type SweeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StartupSweep  bool          `mapstructure:"startup_sweep"`
}

// TariffConfig holds tariff lookup configuration
type TariffConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	// Database defaults
	v.SetDefault("database.path", "./data/rental-meter.db")

	// Billing defaults
	v.SetDefault("billing.default_currency", "USD")

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.check_interval", 15*time.Second)
	v.SetDefault("sweeper.startup_sweep", true)

	// Tariff defaults
	v.SetDefault("tariff.cache_ttl", time.Minute)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	bindEnv("billing.default_currency", "BILLING_DEFAULT_CURRENCY")

	bindEnv("sweeper.enabled", "SWEEPER_ENABLED")
	bindEnv("sweeper.check_interval", "SWEEPER_CHECK_INTERVAL")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Sweeper.Enabled && c.Sweeper.CheckInterval <= 0 {
		return fmt.Errorf("sweeper check interval must be positive")
	}

	if c.Billing.DefaultCurrency == "" {
		return fmt.Errorf("default currency is required")
	}

	return nil
}
