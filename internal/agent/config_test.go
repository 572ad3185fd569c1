package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/torrentstats/internal/stats"
	"github.com/ethpandaops/torrentstats/internal/store"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.Health.Addr)
	assert.Equal(t, ":8112", cfg.API.Addr)
	assert.Equal(t, stats.DefaultResolutions, cfg.Stats.Resolutions)
	assert.Equal(t, store.BackendYAML, cfg.Settings.Backend)
	assert.Equal(t, store.BackendBolt, cfg.Persistence.Backend)
	assert.Equal(t, time.Minute, cfg.Persistence.SaveInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	yaml := `
log_level: debug
data_dir: /var/lib/torrentstats
torrent:
  listen_port: 0
  no_dht: true
  magnets:
    - "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"
stats:
  resolutions: [1, 10, 60]
  extra_counters:
    - pieces_complete
settings:
  backend: yaml
  path: settings.yaml
persistence:
  backend: bolt
  path: totals.db
  save_interval: 30s
  restore_history: true
api:
  addr: "127.0.0.1:8113"
health:
  addr: ":9091"
sinks:
  log:
    enabled: true
    interval: 10s
    resolution: 10
  clickhouse:
    enabled: true
    endpoint: "localhost:9000"
    database: torrentstats
    resolutions: [60]
  http:
    enabled: true
    address: "http://localhost:8080/ingest"
    compression: zstd
    instance: seedbox-1
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/torrentstats", cfg.DataDir)
	assert.True(t, cfg.Torrent.NoDHT)
	assert.Len(t, cfg.Torrent.Magnets, 1)
	assert.Equal(t, []stats.Resolution{1, 10, 60}, cfg.Stats.Resolutions)
	assert.Equal(t, []string{"pieces_complete"}, cfg.Stats.ExtraCounters)
	assert.Equal(t, "settings.yaml", cfg.Settings.Path)
	assert.Equal(t, "totals.db", cfg.Persistence.Path)
	assert.Equal(t, 30*time.Second, cfg.Persistence.SaveInterval)
	assert.True(t, cfg.Persistence.RestoreHistory)
	assert.Equal(t, "127.0.0.1:8113", cfg.API.Addr)
	assert.Equal(t, ":9091", cfg.Health.Addr)

	assert.True(t, cfg.Sinks.Log.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Sinks.Log.Interval)
	assert.Equal(t, stats.Resolution(10), cfg.Sinks.Log.Resolution)

	assert.True(t, cfg.Sinks.ClickHouse.Enabled)
	assert.Equal(t, "localhost:9000", cfg.Sinks.ClickHouse.ClickHouse.Endpoint)
	assert.Equal(t, []stats.Resolution{60}, cfg.Sinks.ClickHouse.Resolutions)

	assert.True(t, cfg.Sinks.HTTP.Enabled)
	assert.Equal(t, "zstd", cfg.Sinks.HTTP.Compression)
	assert.Equal(t, "seedbox-1", cfg.Sinks.HTTP.Instance)
}

func TestLoadConfig_KeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "stats.conf", cfg.Settings.Path)
	assert.Equal(t, "stats.totals.db", cfg.Persistence.Path)
	assert.Equal(t, stats.DefaultResolutions, cfg.Stats.Resolutions)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [oops"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "listen port out of range",
			mutate:  func(c *Config) { c.Torrent.ListenPort = 70000 },
			wantErr: "torrent",
		},
		{
			name:    "resolutions not starting at one",
			mutate:  func(c *Config) { c.Stats.Resolutions = []stats.Resolution{5, 30} },
			wantErr: "stats.resolutions",
		},
		{
			name:    "unknown settings backend",
			mutate:  func(c *Config) { c.Settings.Backend = "ini" },
			wantErr: "settings",
		},
		{
			name:    "missing totals path",
			mutate:  func(c *Config) { c.Persistence.Path = "" },
			wantErr: "persistence",
		},
		{
			name:    "zero save interval",
			mutate:  func(c *Config) { c.Persistence.SaveInterval = 0 },
			wantErr: "save_interval",
		},
		{
			name: "clickhouse sink without endpoint",
			mutate: func(c *Config) {
				c.Sinks.ClickHouse.Enabled = true
				c.Sinks.ClickHouse.ClickHouse.Database = "stats"
			},
			wantErr: "sinks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
