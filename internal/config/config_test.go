package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vetbox/internal/budget"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("Scheduler.Workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.Capacity != 100 {
		t.Errorf("Scheduler.Capacity = %d, want 100", cfg.Scheduler.Capacity)
	}
	if cfg.Budget.Preset != budget.PresetBalanced {
		t.Errorf("Budget.Preset = %q, want %q", cfg.Budget.Preset, budget.PresetBalanced)
	}
	if cfg.Tier1.Thresholds.Clean != 0.30 || cfg.Tier1.Thresholds.Malicious != 0.70 {
		t.Errorf("Tier1.Thresholds = %+v, want {0.30 0.70}", cfg.Tier1.Thresholds)
	}
	if cfg.Tier2.Backend != "auto" {
		t.Errorf("Tier2.Backend = %q, want auto", cfg.Tier2.Backend)
	}
	if cfg.Cache.Kind != "memory" {
		t.Errorf("Cache.Kind = %q, want memory", cfg.Cache.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"max body 0", func(c *Config) { c.Server.MaxRequestBody = 0 }, true},
		{"workers 0", func(c *Config) { c.Scheduler.Workers = 0 }, true},
		{"capacity < workers", func(c *Config) { c.Scheduler.Capacity = 2 }, true},
		{"unknown preset", func(c *Config) { c.Budget.Preset = "turbo" }, true},
		{"preset case-insensitive", func(c *Config) { c.Budget.Preset = "Performance" }, false},
		{"override fuel too low", func(c *Config) { c.Budget.Overrides.Fuel = 10 }, true},
		{"override timeout below tier1", func(c *Config) {
			c.Budget.Overrides.Tier1Timeout = 10 * time.Second
			c.Budget.Overrides.Timeout = 5 * time.Second
		}, true},
		{"thresholds inverted", func(c *Config) {
			c.Tier1.Thresholds.Clean = 0.8
			c.Tier1.Thresholds.Malicious = 0.2
		}, true},
		{"unknown backend", func(c *Config) { c.Tier2.Backend = "firecracker" }, true},
		{"relative scratch root", func(c *Config) { c.Tier2.ScratchRoot = "scratch" }, true},
		{"relative scratch root without tier2", func(c *Config) {
			c.Tier2.Backend = "none"
			c.Tier2.ScratchRoot = "scratch"
		}, false},
		{"pebble without path", func(c *Config) { c.Cache.Kind = "pebble" }, true},
		{"pebble with path", func(c *Config) {
			c.Cache.Kind = "pebble"
			c.Cache.Path = "/var/lib/vetbox/cache"
		}, false},
		{"unknown cache", func(c *Config) { c.Cache.Kind = "redis" }, true},
		{"negative cache ttl", func(c *Config) { c.Cache.TTL = -time.Second }, true},
		{"wire bad network", func(c *Config) {
			c.Wire.Enabled = true
			c.Wire.Network = "udp"
		}, true},
		{"wire without address", func(c *Config) {
			c.Wire.Enabled = true
			c.Wire.Address = ""
		}, true},
		{"wire tcp", func(c *Config) {
			c.Wire.Enabled = true
			c.Wire.Network = "tcp"
			c.Wire.Address = "127.0.0.1:7070"
		}, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveBudget_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget.Preset = budget.PresetConservative
	cfg.Budget.Overrides.Fuel = 5_000_000

	b, err := cfg.ResolveBudget()
	if err != nil {
		t.Fatalf("ResolveBudget: %v", err)
	}
	if b.Fuel != 5_000_000 {
		t.Errorf("Fuel = %d, want 5000000", b.Fuel)
	}
	if b.Preset != budget.PresetCustom {
		t.Errorf("Preset = %q, want %q", b.Preset, budget.PresetCustom)
	}
	if b.MaxCallDepth != budget.Conservative().MaxCallDepth {
		t.Errorf("MaxCallDepth = %d, want conservative %d", b.MaxCallDepth, budget.Conservative().MaxCallDepth)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
scheduler:
  workers: 8
  capacity: 64
  queue_timeout: 15s
budget:
  preset: performance
tier2:
  backend: docker
  image: "registry.local/detonate:1"
cache:
  kind: pebble
  path: /var/lib/vetbox/cache
  ttl: 1h
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(yamlContent); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("Scheduler.Workers = %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.QueueTimeout != 15*time.Second {
		t.Errorf("Scheduler.QueueTimeout = %s, want 15s", cfg.Scheduler.QueueTimeout)
	}
	if cfg.Scheduler.AgingStep != 2*time.Second {
		t.Errorf("Scheduler.AgingStep = %s, want default 2s", cfg.Scheduler.AgingStep)
	}
	if cfg.Tier2.Backend != "docker" {
		t.Errorf("Tier2.Backend = %q, want docker", cfg.Tier2.Backend)
	}
	if cfg.Tier2.Namespace != "vetbox" {
		t.Errorf("Tier2.Namespace = %q, want default vetbox", cfg.Tier2.Namespace)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %s, want 1h", cfg.Cache.TTL)
	}
	b, err := cfg.ResolveBudget()
	if err != nil {
		t.Fatalf("ResolveBudget: %v", err)
	}
	if b.Preset != budget.PresetPerformance {
		t.Errorf("budget preset = %q, want %q", b.Preset, budget.PresetPerformance)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tier2:\n  backend: qemu\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
