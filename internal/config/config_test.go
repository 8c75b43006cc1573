package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Poll.IntervalMs)
	assert.Equal(t, 3, cfg.Poll.FailureThreshold)
	assert.Equal(t, 8, cfg.Alerts.AnomalyWindow)
	assert.Equal(t, 3.0, cfg.Alerts.AnomalyDeviation)
	assert.Equal(t, 30, cfg.History.RetentionDays)
	assert.Equal(t, "exports", cfg.Export.Directory)
	assert.NotEmpty(t, cfg.Auth.Secret, "development default secret filled in")
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
  environment: development
poll:
  interval_ms: 500
  read_timeout_ms: 200
database:
  driver: sqlite
  path: /tmp/test.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Poll.IntervalMs)
	assert.Equal(t, 200, cfg.Poll.ReadTimeoutMs)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Poll.FailureThreshold, "defaults still apply to omitted keys")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"non-positive interval", "poll:\n  interval_ms: 0\n"},
		{"timeout exceeds interval", "poll:\n  interval_ms: 100\n  read_timeout_ms: 200\n"},
		{"zero failure threshold", "poll:\n  failure_threshold: 0\n"},
		{"tiny anomaly window", "alerts:\n  anomaly_window: 1\n"},
		{"unknown database driver", "database:\n  driver: oracle\n"},
		{"missing secret in production", "server:\n  environment: production\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0o644))

			_, err := LoadConfig(dir)
			assert.Error(t, err)
		})
	}
}

func TestPollConfigDurations(t *testing.T) {
	poll := PollConfig{IntervalMs: 1500, ReadTimeoutMs: 250}
	assert.Equal(t, 1500*time.Millisecond, poll.Interval())
	assert.Equal(t, 250*time.Millisecond, poll.ReadTimeout())
}

func TestEnvironmentHelpers(t *testing.T) {
	srv := ServerConfig{Environment: "production"}
	assert.True(t, srv.IsProduction())
	assert.False(t, srv.IsDevelopment())

	srv.Environment = "development"
	assert.False(t, srv.IsProduction())
	assert.True(t, srv.IsDevelopment())
}
