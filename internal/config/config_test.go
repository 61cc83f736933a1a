package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, time.Second, cfg.HTTP.StreamInterval.Std())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/signalflow/db.sqlite
http:
  addr: ":9000"
  stream_interval: 250ms
engine:
  tick_interval: 2
  max_preemptions: 3
device:
  id: dev-7
  sensors: [camera]
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/signalflow/db.sqlite", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Database.RetentionDays, "unset keys keep defaults")
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.StreamInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.Engine.TickInterval.Std(), "bare integers are seconds")
	assert.Equal(t, 3, cfg.Engine.MaxPreemptions)
	assert.Equal(t, []string{"camera"}, cfg.Device.Sensors)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "http: [", "parse config"},
		{"bad duration", "http:\n  stream_interval: soon\n", "invalid duration"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative retention", "database:\n  retention_days: -1\n", "retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "signalflow.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := Load(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDB, "/tmp/env.db")
	t.Setenv(EnvHTTPAddr, "127.0.0.1:8080")
	t.Setenv(EnvMQTTBroker, "tcp://broker:1883")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTT.Enabled, "a broker in the environment enables the bridge")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "signalflow.yaml")
	cfg := Default()
	cfg.HTTP.Addr = ":7000"
	cfg.Topology.Debounce = Duration(time.Second)
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
