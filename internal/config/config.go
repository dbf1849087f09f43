// Package config holds the daemon's configuration tree. It is loaded from
// DefaultConfig(), optionally overlaid from a JSON file, then overlaid again
// from CHISEL_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DaemonConfig controls the two HTTP listeners: the data plane (dispatches
// requests to installed endpoints) and the control plane (define_endpoint,
// define_type, export_types, get_status).
type DaemonConfig struct {
	DataAddr    string `json:"data_addr"`
	ControlAddr string `json:"control_addr"`
	LogLevel    string `json:"log_level"`
}

// VMConfig configures the pool of OS-thread-pinned JS engines.
type VMConfig struct {
	// Threads is the number of VM threads to start. Each owns exactly one
	// goja runtime; paths are assigned to threads by a stable hash so a
	// given path always dispatches to the same VM.
	Threads int `json:"threads"`
	// InterruptTimeout bounds a single handler invocation; exceeding it
	// interrupts the running script.
	InterruptTimeout time.Duration `json:"interrupt_timeout"`
}

// PolicyConfig locates the YAML policy document and how often to reload it.
type PolicyConfig struct {
	Path           string        `json:"path"`
	ReloadInterval time.Duration `json:"reload_interval"`
}

// PostgresConfig configures the entity store backing the store/query_create/
// query_next host operations.
type PostgresConfig struct {
	DSN             string        `json:"dsn"`
	MaxConns        int32         `json:"max_conns"`
	MinConns        int32         `json:"min_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// TracingConfig mirrors the observability package's Config shape.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig controls the operational logger's format.
type LoggingConfig struct {
	Format string `json:"format"` // "text" or "json"
	Level  string `json:"level"`
}

// ObservabilityConfig wraps the three observability sub-configs.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// JWTConfig configures bearer-token identity extraction for match_login
// and user-authorization policy checks.
type JWTConfig struct {
	Enabled       bool   `json:"enabled"`
	Algorithm     string `json:"algorithm"` // HS256 or RS256
	Secret        string `json:"secret"`
	PublicKeyFile string `json:"public_key_file"`
	Issuer        string `json:"issuer"`
}

// APIKeyConfig is one operator-configured static API key.
type APIKeyConfig struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// AuthConfig configures how caller identity is resolved. Authentication
// itself is policy consumption only: an unrecognized caller is simply
// unauthenticated, not rejected.
type AuthConfig struct {
	JWT     JWTConfig      `json:"jwt"`
	APIKeys []APIKeyConfig `json:"api_keys"`
}

// RateLimitConfig bounds request throughput per endpoint path.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// Config is the full daemon configuration tree.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon"`
	VM            VMConfig            `json:"vm"`
	Policy        PolicyConfig        `json:"policy"`
	Postgres      PostgresConfig      `json:"postgres"`
	Observability ObservabilityConfig `json:"observability"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Auth          AuthConfig          `json:"auth"`
}

// DefaultConfig returns a Config populated with sane defaults for local
// development. Production deployments override via file or environment.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			DataAddr:    ":8080",
			ControlAddr: ":8081",
			LogLevel:    "info",
		},
		VM: VMConfig{
			Threads:          4,
			InterruptTimeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Path:           "",
			ReloadInterval: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:             "postgres://localhost:5432/chisel?sslmode=disable",
			MaxConns:        10,
			MinConns:        2,
			ConnMaxLifetime: time.Hour,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "chiseld",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "chisel",
				HistogramBuckets: []float64{
					1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
				},
			},
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 200,
			BurstSize:         400,
		},
	}
}

// LoadFromFile reads a JSON config file and overlays it onto DefaultConfig().
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overlays CHISEL_* environment variables onto cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHISEL_DATA_ADDR"); v != "" {
		cfg.Daemon.DataAddr = v
	}
	if v := os.Getenv("CHISEL_CONTROL_ADDR"); v != "" {
		cfg.Daemon.ControlAddr = v
	}
	if v := os.Getenv("CHISEL_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("CHISEL_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("CHISEL_VM_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VM.Threads = n
		}
	}
	if v := os.Getenv("CHISEL_VM_INTERRUPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.VM.InterruptTimeout = d
		}
	}
	if v := os.Getenv("CHISEL_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := os.Getenv("CHISEL_POLICY_RELOAD_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.ReloadInterval = d
		}
	}
	if v := os.Getenv("CHISEL_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("CHISEL_PG_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("CHISEL_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("CHISEL_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("CHISEL_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("CHISEL_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("CHISEL_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Enabled = true
		cfg.Auth.JWT.Secret = v
		if cfg.Auth.JWT.Algorithm == "" {
			cfg.Auth.JWT.Algorithm = "HS256"
		}
	}
}

// parseBool accepts the common truthy spellings used across CHISEL_* env vars.
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
