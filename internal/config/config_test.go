package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("driver = %s, want memory", cfg.Database.Driver)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.Schedule != "@every 1m" {
		t.Fatalf("sweep = %+v", cfg.Sweep)
	}
	if cfg.Payments.InvoiceTTL() != 24*time.Hour {
		t.Fatalf("ttl = %s, want 24h", cfg.Payments.InvoiceTTL())
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/payments
payments:
  invoice_ttl_hours: 2
  order_code_prefix: XX
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN == "" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Payments.InvoiceTTL() != 2*time.Hour {
		t.Fatalf("ttl = %s, want 2h", cfg.Payments.InvoiceTTL())
	}
	// Untouched settings keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("host = %s", cfg.Server.Host)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9090\n")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("GATEWAY_BASE_URL", "https://gw.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d, env must win over file", cfg.Server.Port)
	}
	if cfg.Gateway.BaseURL != "https://gw.example" {
		t.Fatalf("gateway base url = %s", cfg.Gateway.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Gateway.BaseURL = "https://gw.example"
		cfg.Gateway.AppSecret = "secret"
		cfg.Gateway.TerminalID = "terminal-1"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := base()
	cfg.Database.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("postgres without dsn must fail")
	}

	cfg = base()
	cfg.Database.Driver = "supabase"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("supabase without credentials must fail")
	}

	cfg = base()
	cfg.Database.Driver = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown driver must fail")
	}

	cfg = base()
	cfg.Gateway.AppSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing gateway credentials must fail")
	}
}
