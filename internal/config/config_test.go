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

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 300*time.Millisecond, cfg.WriteDebounce)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestParse_File(t *testing.T) {
	data := []byte(`
database: /var/lib/till/register.db
write_debounce: 500ms
marker_ttl: 3s
relay_url: ws://127.0.0.1:7781/bus
log_level: debug
log_format: json
sequences:
  invoice:
    prefix: FAC
    pad: 6
`)
	cfg, err := Parse(data, nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/till/register.db", cfg.Database)
	assert.Equal(t, 500*time.Millisecond, cfg.WriteDebounce)
	assert.Equal(t, 100*time.Millisecond, cfg.PublishDebounce, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.MarkerTTL)
	assert.Equal(t, "ws://127.0.0.1:7781/bus", cfg.RelayURL)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "json", cfg.LogFormat)

	inv, ok := cfg.Sequence("invoice")
	require.True(t, ok)
	assert.Equal(t, Sequence{Prefix: "FAC", Pad: 6}, inv)
	shf, ok := cfg.Sequence("shift")
	require.True(t, ok)
	assert.Equal(t, Sequence{Prefix: "SHF", Pad: 8}, shf)
}

func TestParse_EnvOverridesFile(t *testing.T) {
	data := []byte("database: from-file.db\nlog_level: warn\n")
	cfg, err := Parse(data, env(map[string]string{
		"TILLSYNC_DB":        "from-env.db",
		"TILLSYNC_RELAY_URL": "ws://10.0.0.2:7781/bus",
		"TILLSYNC_LOG_LEVEL": "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Database)
	assert.Equal(t, "ws://10.0.0.2:7781/bus", cfg.RelayURL)
	assert.Equal(t, "warn", cfg.LogLevel, "blank env values are ignored")
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown key", yaml: "databse: x.db\n"},
		{name: "bad duration", yaml: "write_debounce: soon\n"},
		{name: "numeric duration", yaml: "marker_ttl: 2\n"},
		{name: "bad log level", yaml: "log_level: loud\n"},
		{name: "relay url scheme", yaml: "relay_url: http://127.0.0.1/bus\n"},
		{name: "relay addr", yaml: "relay_addr: localhost\n"},
		{name: "lowercase prefix", yaml: "sequences:\n  invoice:\n    prefix: inv\n    pad: 8\n"},
		{name: "pad too wide", yaml: "sequences:\n  invoice:\n    prefix: INV\n    pad: 40\n"},
		{name: "empty database", yaml: "database: \"\"\n"},
		{name: "bad env duration", env: map[string]string{"TILLSYNC_POLL_INTERVAL": "fast"}},
		{name: "not yaml", yaml: "database: [unclosed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tillsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay_addr: 0.0.0.0:9000\n"), 0o644))

	cfg, err := LoadWithEnv(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.RelayAddr)

	_, err = LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)

	cfg, err = LoadWithEnv("", env(map[string]string{"TILLSYNC_DB": "env.db"}))
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database)
}
