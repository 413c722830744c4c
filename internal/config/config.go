package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"vetbox/internal/budget"
	"vetbox/internal/fastscan"
	"vetbox/internal/scheduler"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Wire       WireConfig       `yaml:"wire"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Budget     BudgetConfig     `yaml:"budget"`
	Tier1      Tier1Config      `yaml:"tier1"`
	Tier2      Tier2Config      `yaml:"tier2"`
	Signatures SignatureConfig  `yaml:"signatures"`
	Cache      CacheConfig      `yaml:"cache"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// WireConfig controls the length-prefixed socket listener.
type WireConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Network     string        `yaml:"network"` // "tcp" or "unix"
	Address     string        `yaml:"address"`
	MaxPayload  uint32        `yaml:"max_payload_bytes"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// BudgetConfig selects a preset and optionally overrides single fields.
type BudgetConfig struct {
	Preset    string        `yaml:"preset"`
	Overrides budget.Budget `yaml:"overrides"`
}

type Tier1Config struct {
	Enabled    bool                `yaml:"enabled"`
	ModulePath string              `yaml:"module_path"` // empty uses the built-in module
	Thresholds fastscan.Thresholds `yaml:"thresholds"`
}

type Tier2Config struct {
	Backend          string `yaml:"backend"` // auto, process, docker, containerd, none
	ScratchRoot      string `yaml:"scratch_root"`
	StracePath       string `yaml:"strace_path"`
	Image            string `yaml:"image"`
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	ReadOnlyRoot     bool   `yaml:"read_only_root"`
}

type SignatureConfig struct {
	HashFile string `yaml:"hash_file"`
	Patterns bool   `yaml:"patterns"`
	ScanMax  int    `yaml:"scan_max_bytes"`
}

type CacheConfig struct {
	Kind       string        `yaml:"kind"` // memory, pebble, none
	Path       string        `yaml:"path"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	CacheBytes int64         `yaml:"block_cache_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig switches span creation on. Spans go to the global
// OpenTelemetry provider.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second, // > queue timeout + execution timeout
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  64 << 20,
		},
		Wire: WireConfig{
			Enabled:     false,
			Network:     "unix",
			Address:     "/run/vetbox/vetbox.sock",
			MaxPayload:  64 << 20,
			ReadTimeout: 30 * time.Second,
		},
		Scheduler: scheduler.DefaultConfig(),
		Budget: BudgetConfig{
			Preset: budget.PresetBalanced,
		},
		Tier1: Tier1Config{
			Enabled:    true,
			Thresholds: fastscan.DefaultThresholds(),
		},
		Tier2: Tier2Config{
			Backend:          "auto",
			ScratchRoot:      filepath.Join(os.TempDir(), "vetbox-scratch"),
			StracePath:       "strace",
			Image:            "docker.io/vetbox/detonate:latest",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "vetbox",
			ReadOnlyRoot:     true,
		},
		Signatures: SignatureConfig{
			Patterns: true,
			ScanMax:  8 << 20,
		},
		Cache: CacheConfig{
			Kind:       "memory",
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
			CacheBytes: 8 << 20,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ResolveBudget applies the overrides to the named preset.
func (c *Config) ResolveBudget() (budget.Budget, error) {
	b, err := budget.Preset(c.Budget.Preset)
	if err != nil {
		return budget.Budget{}, err
	}
	b = b.Override(c.Budget.Overrides)
	if err := b.Validate(); err != nil {
		return budget.Budget{}, err
	}
	return b, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxRequestBody < 1 {
		return fmt.Errorf("server.max_request_body_bytes must be positive")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if _, err := c.ResolveBudget(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Tier1.Thresholds.Validate(); err != nil {
		return fmt.Errorf("tier1.thresholds: %w", err)
	}
	switch c.Tier2.Backend {
	case "auto", "process", "docker", "containerd", "none":
	default:
		return fmt.Errorf("tier2.backend must be auto, process, docker, containerd or none, got %q", c.Tier2.Backend)
	}
	if c.Tier2.Backend != "none" && !filepath.IsAbs(c.Tier2.ScratchRoot) {
		return fmt.Errorf("tier2.scratch_root: %q must be an absolute path", c.Tier2.ScratchRoot)
	}
	switch c.Cache.Kind {
	case "memory", "none":
	case "pebble":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the pebble cache")
		}
	default:
		return fmt.Errorf("cache.kind must be memory, pebble or none, got %q", c.Cache.Kind)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Wire.Enabled {
		if c.Wire.Network != "tcp" && c.Wire.Network != "unix" {
			return fmt.Errorf("wire.network must be tcp or unix, got %q", c.Wire.Network)
		}
		if c.Wire.Address == "" {
			return fmt.Errorf("wire.address is required when wire is enabled")
		}
		if c.Wire.MaxPayload == 0 {
			return fmt.Errorf("wire.max_payload_bytes must be positive")
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
