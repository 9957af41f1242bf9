// Package config loads the tinyroll configuration: defaults, then an
// optional YAML file, then TINYROLL_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/nicktill/tinyroll/pkg/rounding"
)

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Downsample DownsampleConfig `koanf:"downsample"`
	Bulk       BulkConfig       `koanf:"bulk"`
	Shards     []ShardConfig    `koanf:"shards"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Addr         string `koanf:"addr"`
	ReadTimeout  string `koanf:"read_timeout"`
	WriteTimeout string `koanf:"write_timeout"`
}

// StorageConfig holds the BadgerDB paths and limits.
type StorageConfig struct {
	SourcePath  string `koanf:"source_path"`
	TargetPath  string `koanf:"target_path"`
	StatePath   string `koanf:"state_path"`
	MaxMemoryMB int64  `koanf:"max_memory_mb"`
}

// DownsampleConfig holds the downsampling parameters.
type DownsampleConfig struct {
	Interval        string         `koanf:"interval"`      // "1h", "15m", or a calendar unit
	IntervalType    string         `koanf:"interval_type"` // "fixed" or "calendar"
	TimeZone        string         `koanf:"time_zone"`
	TimestampField  string         `koanf:"timestamp_field"`
	TimestampFormat string         `koanf:"timestamp_format"` // Go time layout
	Metrics         []MetricConfig `koanf:"metrics"`
	Labels          []string       `koanf:"labels"`
}

// MetricConfig describes one metric field.
type MetricConfig struct {
	Field      string `koanf:"field"`
	Type       string `koanf:"type"` // "gauge" or "counter"
	Aggregated bool   `koanf:"aggregated"`
}

// BulkConfig tunes the bulk sink.
type BulkConfig struct {
	MaxActions       int   `koanf:"max_actions"`
	MaxBatchBytes    int64 `koanf:"max_batch_bytes"`
	MaxInFlightBytes int64 `koanf:"max_in_flight_bytes"`
	MaxRetries       int   `koanf:"max_retries"`
}

// ShardConfig identifies one source shard to downsample.
type ShardConfig struct {
	ID            string `koanf:"id"`
	SeriesStartMS int64  `koanf:"series_start_ms"`
	SeriesEndMS   int64  `koanf:"series_end_ms"`
}

// Load loads the configuration from the given file path and environment
// variables. TINYROLL_SERVER__ADDR=:9090 overrides server.addr.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.addr":                ":8080",
		"server.read_timeout":        "10s",
		"server.write_timeout":       "10s",
		"storage.source_path":        "./data/source",
		"storage.target_path":        "./data/target",
		"storage.state_path":         "./data/state",
		"storage.max_memory_mb":      int64(48),
		"downsample.interval":        "1h",
		"downsample.interval_type":   "fixed",
		"downsample.time_zone":       "UTC",
		"downsample.timestamp_field": "@timestamp",
		"bulk.max_actions":           10000,
		"bulk.max_batch_bytes":       int64(1 << 20),
		"bulk.max_in_flight_bytes":   int64(50 << 20),
		"bulk.max_retries":           3,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TINYROLL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TINYROLL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts that would otherwise only fail mid-run.
func (c *Config) Validate() error {
	if _, err := c.Downsample.Rounding(); err != nil {
		return err
	}
	if c.Downsample.TimestampField == "" {
		return fmt.Errorf("config: downsample.timestamp_field is required")
	}
	for _, m := range c.Downsample.Metrics {
		switch m.Type {
		case "gauge", "counter":
		default:
			return fmt.Errorf("config: metric %q has unknown type %q", m.Field, m.Type)
		}
	}
	return nil
}

// Rounding builds the configured rounding.
func (d DownsampleConfig) Rounding() (rounding.Rounding, error) {
	loc := time.UTC
	if d.TimeZone != "" {
		var err error
		loc, err = time.LoadLocation(d.TimeZone)
		if err != nil {
			return rounding.Rounding{}, fmt.Errorf("config: unknown time zone %q: %w", d.TimeZone, err)
		}
	}

	switch d.IntervalType {
	case "", "fixed":
		interval, err := time.ParseDuration(d.Interval)
		if err != nil {
			return rounding.Rounding{}, fmt.Errorf("config: invalid fixed interval %q: %w", d.Interval, err)
		}
		return rounding.NewFixed(interval, loc)
	case "calendar":
		return rounding.NewCalendar(rounding.CalendarUnit(d.Interval), loc)
	default:
		return rounding.Rounding{}, fmt.Errorf("config: unknown interval type %q", d.IntervalType)
	}
}
