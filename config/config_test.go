package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), cfg.MetricWidth)
	assert.True(t, cfg.Compaction.Enabled)
	assert.Equal(t, "10s", cfg.Compaction.FlushInterval)
	assert.Equal(t, 100, cfg.Compaction.MinFlushThreshold)
	assert.Equal(t, 10000, cfg.Compaction.MaxConcurrentFlushes)
	assert.Equal(t, 2, cfg.Compaction.FlushSpeed)
	assert.Equal(t, int64(3600), cfg.Compaction.MaxTimespanSeconds)
	assert.Equal(t, 3, cfg.Compaction.ClaimSkipModulus)
}

func TestLoad_Overrides(t *testing.T) {
	yaml := `
metric_width: 4
compaction:
  enabled: false
  flush_interval: 30s
  min_flush_threshold: 50
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, uint16(4), cfg.MetricWidth)
	assert.False(t, cfg.Compaction.Enabled)
	assert.Equal(t, "30s", cfg.Compaction.FlushInterval)
	assert.Equal(t, 50, cfg.Compaction.MinFlushThreshold)
	// Untouched fields keep their defaults.
	assert.Equal(t, 2, cfg.Compaction.FlushSpeed)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero metric width", "metric_width: 0"},
		{"bad flush speed", "compaction:\n  flush_speed: -1"},
		{"bad timespan", "compaction:\n  max_timespan_seconds: -5"},
		{"not yaml", ":\n  - ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), cfg.MetricWidth)
}

func TestBuildLogger(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.BuildLogger())

	cfg.Logging.Output = "none"
	require.NotNil(t, cfg.BuildLogger())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, ParseDuration("", 10*time.Second, nil))
	assert.Equal(t, 10*time.Second, ParseDuration("0", 10*time.Second, nil))
	assert.Equal(t, 30*time.Second, ParseDuration("30s", 10*time.Second, nil))
	assert.Equal(t, 10*time.Second, ParseDuration("nonsense", 10*time.Second, nil))
}
