// Package config loads the engine's YAML configuration. Missing keys keep
// their defaults, so an empty or absent file yields a fully usable config.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteConfig holds the connection to the authoritative store.
type RemoteConfig struct {
	BaseURL    string `yaml:"base_url"`
	Collection string `yaml:"collection"`
	// RequestTimeout bounds a single HTTP request; the engine's commit
	// timeout bounds the whole attempt.
	RequestTimeout string `yaml:"request_timeout"`
}

// QueueConfig holds offline-queue specific configurations.
type QueueConfig struct {
	MaxAttempts      int    `yaml:"max_attempts"`
	MaxAge           string `yaml:"max_age"`
	DrainParallelism int    `yaml:"drain_parallelism"`

	// Compression applies to parked payloads above the threshold:
	// "none", "snappy", "lz4" or "zstd".
	Compression        string `yaml:"compression"`
	ParkThresholdBytes int    `yaml:"park_threshold_bytes"`
	DedupeCapacity     int    `yaml:"dedupe_capacity"`
}

// ConnectivityConfig holds connectivity-monitor specific configurations.
type ConnectivityConfig struct {
	Debounce      string `yaml:"debounce"`
	ProbeInterval string `yaml:"probe_interval"`
	InitialOnline bool   `yaml:"initial_online"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	UndoWindow        string             `yaml:"undo_window"`
	CommitTimeout     string             `yaml:"commit_timeout"`
	PositionalRestore bool               `yaml:"positional_restore"`
	Queue             QueueConfig        `yaml:"queue"`
	Connectivity      ConnectivityConfig `yaml:"connectivity"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	PProfEnabled   bool   `yaml:"pprof_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	StatsvizEnabled bool  `yaml:"statsviz_enabled"`
}

// APIConfig configures the bundled demo API server.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Config is the top-level configuration struct.
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
	API     APIConfig     `yaml:"api"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8090",
			Collection:     "clubs",
			RequestTimeout: "10s",
		},
		Engine: EngineConfig{
			UndoWindow:        "7s",
			CommitTimeout:     "30s",
			PositionalRestore: false,
			Queue: QueueConfig{
				MaxAttempts:        5,
				MaxAge:             "24h",
				DrainParallelism:   4,
				Compression:        "snappy",
				ParkThresholdBytes: 4 * 1024,
				DedupeCapacity:     512,
			},
			Connectivity: ConnectivityConfig{
				Debounce:      "250ms",
				ProbeInterval: "5s",
				InitialOnline: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "reconciled.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:         true,
			ListenAddress:   "0.0.0.0:6060",
			PProfEnabled:    true,
			MetricsEnabled:  true,
			StatsvizEnabled: true,
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddress: ":8090",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	// Read all data from the reader
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
