// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System     SystemConfig     `yaml:"system"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Orders     OrdersConfig     `yaml:"orders"`
	Bot        BotDefaults      `yaml:"bot"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Admin      AdminConfig      `yaml:"admin"`
}

// SystemConfig contains process-level settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`
}

// ExchangeConfig contains exchange credentials and endpoints
type ExchangeConfig struct {
	Driver        string  `yaml:"driver"` // coinbase | paper
	APIKey        Secret  `yaml:"api_key"`
	APISecret     Secret  `yaml:"api_secret"`
	BaseURL       string  `yaml:"base_url"`
	WSURL         string  `yaml:"ws_url"`
	FeeRate       float64 `yaml:"fee_rate"`
	TimeoutSecond int     `yaml:"timeout_seconds"`
}

// AccountsConfig controls the balance cache
type AccountsConfig struct {
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds"`
	HardStaleSeconds int `yaml:"hard_stale_seconds"`
}

// ReconcilerConfig controls the order reconciliation sweep
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	GraceSeconds    int `yaml:"grace_seconds"`
	WarningMinutes  int `yaml:"warning_minutes"`
	CriticalMinutes int `yaml:"critical_minutes"`
}

// OrdersConfig contains order sizing defaults and pre-check thresholds
type OrdersConfig struct {
	DefaultNotionalUSD float64 `yaml:"default_notional_usd"`
	MinUSDPrecheck     float64 `yaml:"min_usd_precheck"`
}

// BotDefaults are applied to bots created without explicit values
type BotDefaults struct {
	DefaultConfirmationMinutes float64 `yaml:"default_confirmation_minutes"`
	DefaultCooldownMinutes     float64 `yaml:"default_cooldown_minutes"`
	QueueCapacity              int     `yaml:"queue_capacity"`
	CandleIntervalSeconds      int     `yaml:"candle_interval_seconds"`
	CandleHistory              int     `yaml:"candle_history"`
	FallbackPollSeconds        int     `yaml:"fallback_poll_seconds"`
}

// RateLimitConfig configures the shared REST token bucket
type RateLimitConfig struct {
	RefillPerSec float64 `yaml:"refill_per_sec"`
	Burst        int     `yaml:"burst"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AdminConfig configures the local control listener backing the CLI
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	config := Default()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a config populated with the documented defaults.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:     "INFO",
			DatabasePath: "autotrader.db",
		},
		Exchange: ExchangeConfig{
			Driver:        "coinbase",
			FeeRate:       0.006,
			TimeoutSecond: 10,
		},
		Accounts: AccountsConfig{
			CacheTTLSeconds:  60,
			HardStaleSeconds: 300,
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds: 30,
			GraceSeconds:    5,
			WarningMinutes:  10,
			CriticalMinutes: 30,
		},
		Orders: OrdersConfig{
			DefaultNotionalUSD: 10,
			MinUSDPrecheck:     5,
		},
		Bot: BotDefaults{
			DefaultConfirmationMinutes: 1,
			DefaultCooldownMinutes:     15,
			QueueCapacity:              16,
			CandleIntervalSeconds:      60,
			CandleHistory:              300,
			FallbackPollSeconds:        30,
		},
		RateLimit: RateLimitConfig{
			RefillPerSec: 8,
			Burst:        16,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9102,
			EnableMetrics: true,
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:8979",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimers(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateOrders(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.DatabasePath == "" {
		return ValidationError{
			Field:   "system.database_path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	validDrivers := []string{"coinbase", "paper"}
	if !contains(validDrivers, c.Exchange.Driver) {
		return ValidationError{
			Field:   "exchange.driver",
			Value:   c.Exchange.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Exchange.Driver == "coinbase" {
		if c.Exchange.APIKey == "" {
			return ValidationError{
				Field:   "exchange.api_key",
				Message: "API key is required",
			}
		}
		if c.Exchange.APISecret == "" {
			return ValidationError{
				Field:   "exchange.api_secret",
				Message: "API secret is required",
			}
		}
	}
	if c.Exchange.FeeRate < 0 || c.Exchange.FeeRate > 1 {
		return ValidationError{
			Field:   "exchange.fee_rate",
			Value:   c.Exchange.FeeRate,
			Message: "must be between 0 and 1",
		}
	}
	if c.Exchange.TimeoutSecond <= 0 {
		return ValidationError{
			Field:   "exchange.timeout_seconds",
			Value:   c.Exchange.TimeoutSecond,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateTimers() error {
	if c.Accounts.CacheTTLSeconds <= 0 {
		return ValidationError{
			Field:   "accounts.cache_ttl_seconds",
			Value:   c.Accounts.CacheTTLSeconds,
			Message: "must be positive",
		}
	}
	if c.Accounts.HardStaleSeconds < c.Accounts.CacheTTLSeconds {
		return ValidationError{
			Field:   "accounts.hard_stale_seconds",
			Value:   c.Accounts.HardStaleSeconds,
			Message: "must be at least the cache TTL",
		}
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		return ValidationError{
			Field:   "reconciler.interval_seconds",
			Value:   c.Reconciler.IntervalSeconds,
			Message: "must be positive",
		}
	}
	if c.Reconciler.CriticalMinutes <= c.Reconciler.WarningMinutes {
		return ValidationError{
			Field:   "reconciler.critical_minutes",
			Value:   c.Reconciler.CriticalMinutes,
			Message: "must be greater than warning_minutes",
		}
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return ValidationError{
			Field:   "ratelimit.refill_per_sec",
			Value:   c.RateLimit.RefillPerSec,
			Message: "must be positive",
		}
	}
	if c.RateLimit.Burst <= 0 {
		return ValidationError{
			Field:   "ratelimit.burst",
			Value:   c.RateLimit.Burst,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateOrders() error {
	if c.Orders.DefaultNotionalUSD <= 0 {
		return ValidationError{
			Field:   "orders.default_notional_usd",
			Value:   c.Orders.DefaultNotionalUSD,
			Message: "must be positive",
		}
	}
	if c.Orders.MinUSDPrecheck < 0 {
		return ValidationError{
			Field:   "orders.min_usd_precheck",
			Value:   c.Orders.MinUSDPrecheck,
			Message: "must not be negative",
		}
	}
	if c.Bot.DefaultConfirmationMinutes < 0 || c.Bot.DefaultCooldownMinutes < 0 {
		return ValidationError{
			Field:   "bot",
			Message: "confirmation and cooldown minutes must not be negative",
		}
	}
	if c.Bot.QueueCapacity <= 0 {
		return ValidationError{
			Field:   "bot.queue_capacity",
			Value:   c.Bot.QueueCapacity,
			Message: "must be positive",
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
