package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds daemon control-plane settings.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"` // unix socket path, e.g. /run/sandboxd/sandboxd.sock
	HTTPAddr   string `yaml:"http_addr"`   // loaded from file/env; no HTTP listener is started from it
	LogLevel   string `yaml:"log_level"`
}

// RuntimeConfig holds isolate-runtime and namespace-registry limits.
type RuntimeConfig struct {
	MaxIsolates           int           `yaml:"max_isolates"`             // registry LRU bound
	DefaultMaxExecution   time.Duration `yaml:"default_max_execution"`    // loaded from file/env; not passed to isolates, which use per-call/createRuntime values
	DefaultMemoryLimitMB  int           `yaml:"default_memory_limit_mb"`  // loaded from file/env; not passed to isolates, which use createRuntime's memoryLimitMB
	IsolateCreateBackoff  []time.Duration `yaml:"-"`                      // not config-file settable, see DefaultConfig
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // sandboxd
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Namespace        string    `yaml:"namespace"` // sandboxd
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`  // debug, info, warn, error
	Format         string `yaml:"format"` // text, json
	IncludeTraceID bool   `yaml:"include_trace_id"`
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is the central configuration struct for the daemon.
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath: "/run/sandboxd/sandboxd.sock",
			HTTPAddr:   "",
			LogLevel:   "info",
		},
		Runtime: RuntimeConfig{
			MaxIsolates:          256,
			DefaultMaxExecution:  30 * time.Second,
			DefaultMemoryLimitMB: 64,
			IsolateCreateBackoff: []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "sandboxd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "sandboxd",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// DefaultConfig for any field the file leaves unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SANDBOXD_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("SANDBOXD_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("SANDBOXD_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("SANDBOXD_MAX_ISOLATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.MaxIsolates = n
		}
	}
	if v := os.Getenv("SANDBOXD_DEFAULT_MAX_EXECUTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.DefaultMaxExecution = d
		}
	}
	if v := os.Getenv("SANDBOXD_DEFAULT_MEMORY_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.DefaultMemoryLimitMB = n
		}
	}

	if v := os.Getenv("SANDBOXD_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("SANDBOXD_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("SANDBOXD_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("SANDBOXD_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("SANDBOXD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("SANDBOXD_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SANDBOXD_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("SANDBOXD_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("SANDBOXD_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
