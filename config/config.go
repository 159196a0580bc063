package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CompactionConfig holds the tunables of the row compaction engine.
type CompactionConfig struct {
	// Enabled starts the background flush worker. The pure merge path
	// works either way but never writes back when disabled.
	Enabled bool `yaml:"enabled"`
	// FlushInterval is how often the flush worker wakes up.
	FlushInterval string `yaml:"flush_interval"`
	// MinFlushThreshold is the queue size at or below which the worker
	// stays idle, and the floor of the adaptive batch size.
	MinFlushThreshold int `yaml:"min_flush_threshold"`
	// MaxConcurrentFlushes caps how many rows are in flight at once.
	MaxConcurrentFlushes int `yaml:"max_concurrent_flushes"`
	// FlushSpeed is the multiplicative factor applied to the adaptive
	// batch size so the queue drains faster than rows age.
	FlushSpeed int `yaml:"flush_speed"`
	// MaxTimespanSeconds is the width of one row; rows older than this
	// (plus one second) are eligible for compaction.
	MaxTimespanSeconds int64 `yaml:"max_timespan_seconds"`
	// ClaimSkipModulus spreads claim contention across concurrent
	// engines: roughly 1/N of candidate rows are skipped per pass.
	// A value of 1 disables the skip; 0 selects the default of 3 and
	// negative values are rejected by Validate.
	ClaimSkipModulus int `yaml:"claim_skip_modulus"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "none"
}

// Config is the top-level configuration struct.
type Config struct {
	// MetricWidth is how many bytes the metric id occupies at the front
	// of every row key.
	MetricWidth uint16           `yaml:"metric_width"`
	Compaction  CompactionConfig `yaml:"compaction"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid. Logs a warning if the string is invalid
// but not empty.
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

// Load reads configuration from an io.Reader. Defaults are set first and
// overwritten by whatever the YAML document provides.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		MetricWidth: 3,
		Compaction: CompactionConfig{
			Enabled:              true,
			FlushInterval:        "10s",
			MinFlushThreshold:    100,
			MaxConcurrentFlushes: 10000,
			FlushSpeed:           2,
			MaxTimespanSeconds:   3600,
			ClaimSkipModulus:     3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.MetricWidth == 0 {
		return fmt.Errorf("metric_width must be positive")
	}
	cc := c.Compaction
	if cc.MinFlushThreshold < 1 {
		return fmt.Errorf("compaction.min_flush_threshold must be positive, got %d", cc.MinFlushThreshold)
	}
	if cc.MaxConcurrentFlushes < 1 {
		return fmt.Errorf("compaction.max_concurrent_flushes must be positive, got %d", cc.MaxConcurrentFlushes)
	}
	if cc.FlushSpeed < 1 {
		return fmt.Errorf("compaction.flush_speed must be positive, got %d", cc.FlushSpeed)
	}
	if cc.MaxTimespanSeconds < 1 {
		return fmt.Errorf("compaction.max_timespan_seconds must be positive, got %d", cc.MaxTimespanSeconds)
	}
	if cc.ClaimSkipModulus < 0 {
		return fmt.Errorf("compaction.claim_skip_modulus must not be negative, got %d", cc.ClaimSkipModulus)
	}
	return nil
}

// BuildLogger constructs a slog.Logger from the logging configuration.
func (c *Config) BuildLogger() *slog.Logger {
	var w io.Writer
	switch c.Logging.Output {
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	case "stderr":
		w = os.Stderr
	default:
		w = os.Stdout
	}
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
