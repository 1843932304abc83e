// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the payment service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Notify   NotifyConfig   `yaml:"notify"`
	Payments PaymentsConfig `yaml:"payments"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// DatabaseConfig selects and configures the persistence backend. Driver is
// one of "memory", "postgres" or "supabase".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DB_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
}

// SupabaseConfig configures the Supabase REST backend.
type SupabaseConfig struct {
	URL        string        `yaml:"url" env:"SUPABASE_URL"`
	ServiceKey string        `yaml:"service_key" env:"SUPABASE_SERVICE_KEY"`
	Timeout    time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
}

// GatewayConfig configures the upstream payment gateway client.
type GatewayConfig struct {
	BaseURL    string        `yaml:"base_url" env:"GATEWAY_BASE_URL"`
	AppSecret  string        `yaml:"app_secret" env:"GATEWAY_APP_SECRET"`
	TerminalID string        `yaml:"terminal_id" env:"GATEWAY_TERMINAL_ID"`
	Timeout    time.Duration `yaml:"timeout" env:"GATEWAY_TIMEOUT"`
}

// SweepConfig controls the periodic pending-transaction sweep.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled" env:"SWEEP_ENABLED"`
	Schedule string `yaml:"schedule" env:"SWEEP_SCHEDULE"`
}

// NotifyConfig configures outbound notifications. An empty endpoint disables
// delivery.
type NotifyConfig struct {
	Endpoint string        `yaml:"endpoint" env:"NOTIFY_ENDPOINT"`
	APIKey   string        `yaml:"api_key" env:"NOTIFY_API_KEY"`
	Sender   string        `yaml:"sender" env:"NOTIFY_SENDER"`
	Timeout  time.Duration `yaml:"timeout" env:"NOTIFY_TIMEOUT"`
}

// PaymentsConfig holds payment domain settings.
type PaymentsConfig struct {
	InvoiceTTLHours       int    `yaml:"invoice_ttl_hours" env:"PAYMENTS_INVOICE_TTL_HOURS"`
	CallbackURL           string `yaml:"callback_url" env:"PAYMENTS_CALLBACK_URL"`
	UIRedirectURL         string `yaml:"ui_redirect_url" env:"PAYMENTS_UI_REDIRECT_URL"`
	OrderCodePrefix       string `yaml:"order_code_prefix" env:"PAYMENTS_ORDER_CODE_PREFIX"`
	CallbackRatePerSecond int    `yaml:"callback_rate_per_second" env:"PAYMENTS_CALLBACK_RATE"`
	CallbackBurst         int    `yaml:"callback_burst" env:"PAYMENTS_CALLBACK_BURST"`
}

// InvoiceTTL returns the configured invoice lifetime.
func (c PaymentsConfig) InvoiceTTL() time.Duration {
	return time.Duration(c.InvoiceTTLHours) * time.Hour
}

// Default returns the configuration baseline before file and environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Supabase: SupabaseConfig{Timeout: 15 * time.Second},
		Gateway:  GatewayConfig{Timeout: 15 * time.Second},
		Sweep:    SweepConfig{Enabled: true, Schedule: "@every 1m"},
		Notify:   NotifyConfig{Timeout: 10 * time.Second},
		Payments: PaymentsConfig{
			InvoiceTTLHours:       24,
			OrderCodePrefix:       "HA",
			CallbackRatePerSecond: 10,
			CallbackBurst:         20,
		},
	}
}

// Load starts from defaults, reads the optional YAML file at path, then
// applies environment variable overrides. A missing file is not an error;
// env vars alone can configure the service.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase.url and supabase.service_key are required for the supabase driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.Gateway.AppSecret == "" || c.Gateway.TerminalID == "" {
		return fmt.Errorf("gateway.app_secret and gateway.terminal_id are required")
	}
	return nil
}
