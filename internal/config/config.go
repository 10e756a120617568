// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"duck-flight/internal/container"
	"duck-flight/internal/flight"
)

// Config holds the configuration shared by the CLI and the demo server.
type Config struct {
	FlightAddr       string // Flight endpoint the CLI fetches from (default "localhost:8815")
	FlightListenAddr string // demo server listen address (default ":8815")

	ContainerDir            string // where containers are materialized
	ContainerCompression    string // snappy, zstd, gzip or none (default "snappy")
	PartialOnTransportError bool   // keep a finalized partial container when the stream breaks

	SessionDir      string // where persisted DuckDB sessions live
	DuckDBMaxMemory string // e.g. "4GB"; empty keeps the DuckDB default
	DuckDBThreads   int

	LogLevel string // debug, info, warn, error (default "info")

	// S3 fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	// Demo server table shape.
	DemoRows      int64
	DemoColumns   int
	DemoBatchSize int64
	DemoBatchRate float64 // batches per second; 0 is unpaced

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HasS3Config returns true if the credentials needed to publish are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil && c.S3Region != nil
}

// DemoTable returns the generated table shape for the demo server.
func (c *Config) DemoTable() flight.RandomTable {
	return flight.RandomTable{Rows: c.DemoRows, Columns: c.DemoColumns, BatchSize: c.DemoBatchSize}
}

// LoadFromEnv loads configuration from environment variables.
// S3 variables are optional; publishing is disabled without them.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		FlightAddr:              os.Getenv("FLIGHT_ADDR"),
		FlightListenAddr:        os.Getenv("FLIGHT_LISTEN_ADDR"),
		ContainerDir:            os.Getenv("CONTAINER_DIR"),
		ContainerCompression:    strings.ToLower(strings.TrimSpace(os.Getenv("CONTAINER_COMPRESSION"))),
		PartialOnTransportError: parseBoolEnvDefault("PARTIAL_ON_TRANSPORT_ERROR", false),
		SessionDir:              os.Getenv("SESSION_DIR"),
		DuckDBMaxMemory:         os.Getenv("DUCKDB_MAX_MEMORY"),
		LogLevel:                os.Getenv("LOG_LEVEL"),
		DemoRows:                flight.DefaultRows,
		DemoColumns:             flight.DefaultColumns,
		DemoBatchSize:           flight.DefaultBatchSize,
	}

	cfg.DuckDBThreads = int(cfg.intEnv("DUCKDB_THREADS", 0))
	cfg.DemoRows = cfg.intEnv("DEMO_ROWS", cfg.DemoRows)
	cfg.DemoColumns = int(cfg.intEnv("DEMO_COLUMNS", int64(cfg.DemoColumns)))
	cfg.DemoBatchSize = cfg.intEnv("DEMO_BATCH_SIZE", cfg.DemoBatchSize)
	if v := os.Getenv("DEMO_BATCH_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid DEMO_BATCH_RATE %q", v))
		} else {
			cfg.DemoBatchRate = f
		}
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// Defaults
	if cfg.FlightAddr == "" {
		cfg.FlightAddr = "localhost:8815"
	}
	if cfg.FlightListenAddr == "" {
		cfg.FlightListenAddr = ":8815"
	}
	if cfg.ContainerDir == "" {
		cfg.ContainerDir = filepath.Join(os.TempDir(), "duck-flight")
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = os.TempDir()
	}
	if cfg.ContainerCompression == "" {
		cfg.ContainerCompression = "snappy"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if _, err := container.ParseCompression(cfg.ContainerCompression); err != nil {
		return nil, fmt.Errorf("CONTAINER_COMPRESSION: %w", err)
	}
	if err := cfg.DemoTable().Validate(); err != nil {
		return nil, fmt.Errorf("demo table: %w", err)
	}
	if cfg.S3KeyID != nil && cfg.S3Secret == nil {
		cfg.Warnings = append(cfg.Warnings, "KEY_ID is set without SECRET; publishing is disabled")
	}
	if cfg.PartialOnTransportError {
		cfg.Warnings = append(cfg.Warnings, "PARTIAL_ON_TRANSPORT_ERROR is on; failed streams may leave partial containers")
	}

	return cfg, nil
}

// intEnv parses an integer variable, keeping def and recording a warning
// when the value is malformed.
func (c *Config) intEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring invalid %s %q", key, v))
		return def
	}
	return n
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
