package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 300*time.Millisecond, cfg.Dispatcher.Interval)
	assert.Equal(t, 10, cfg.Dispatcher.BatchSize)
	assert.Equal(t, "CONV1", cfg.Dispatcher.DeviceCode)
	assert.Equal(t, uint8(1), cfg.Modbus.SlaveID)
	assert.Equal(t, "127.0.0.1:502", cfg.Modbus.Address())
	assert.Equal(t, "http://localhost:5088/", cfg.Executor.BaseURL)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Executor.RetryBackoff)
	assert.Equal(t, TagSourcePostgres, cfg.Tags.Source)
	assert.True(t, cfg.Temperature.Enabled)
	assert.Equal(t, "http://localhost:5101/", cfg.Temperature.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Temperature.Interval)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
modbus:
  host: 10.0.0.5
  port: 1502
polling:
  interval: 2s
tags:
  source: file
  file: tags.yaml
`)
	t.Setenv("WCS_MODBUS_PORT", "5020")
	t.Setenv("WCS_DATABASE_PASSWORD", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:5020", cfg.Modbus.Address())
	assert.Equal(t, 2*time.Second, cfg.Polling.Interval)
	assert.Equal(t, "tags.yaml", cfg.Tags.File)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Contains(t, cfg.Database.DSN(), "secret@localhost:5432/wcs")
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero poll interval", "polling:\n  interval: 0s\n"},
		{"unknown tag source", "tags:\n  source: redis\n"},
		{"file source without file", "tags:\n  source: file\n"},
		{"zero batch", "dispatcher:\n  batch_size: 0\n"},
		{"zero temperature interval", "temperature:\n  interval: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}
