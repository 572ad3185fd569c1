package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/torrentstats/internal/api"
	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/sink"
	"github.com/ethpandaops/torrentstats/internal/source"
	"github.com/ethpandaops/torrentstats/internal/stats"
	"github.com/ethpandaops/torrentstats/internal/store"
)

// Config is the top-level configuration for the torrentstats agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// DataDir holds downloads and relative store paths.
	DataDir string `yaml:"data_dir"`

	// Torrent configures the embedded torrent client.
	Torrent source.TorrentConfig `yaml:"torrent"`

	// Stats configures the aggregation chain.
	Stats StatsConfig `yaml:"stats"`

	// Settings locates the user settings namespace.
	Settings store.Config `yaml:"settings"`

	// Persistence locates the totals namespace and sets save behaviour.
	Persistence PersistenceConfig `yaml:"persistence"`

	// API configures the query API server.
	API api.Config `yaml:"api"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Sinks configures sample export sinks.
	Sinks sink.Config `yaml:"sinks"`
}

// StatsConfig configures the aggregator.
type StatsConfig struct {
	// Resolutions is the ascending aggregation chain, starting at 1.
	Resolutions []stats.Resolution `yaml:"resolutions"`

	// ExtraCounters are tracked in addition to the default counters.
	ExtraCounters []string `yaml:"extra_counters"`
}

// PersistenceConfig configures the totals namespace.
type PersistenceConfig struct {
	store.Config `yaml:",inline"`

	// SaveInterval is how often history and totals are saved.
	// Defaults to 60s.
	SaveInterval time.Duration `yaml:"save_interval"`

	// RestoreHistory loads saved history buffers on the first enable.
	RestoreHistory bool `yaml:"restore_history"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "./data",
		Torrent: source.TorrentConfig{
			ListenPort: 42069,
		},
		Stats: StatsConfig{
			Resolutions: append([]stats.Resolution(nil), stats.DefaultResolutions...),
		},
		Settings: store.Config{
			Backend: store.BackendYAML,
			Path:    "stats.conf",
		},
		Persistence: PersistenceConfig{
			Config: store.Config{
				Backend: store.BackendBolt,
				Path:    "stats.totals.db",
			},
			SaveInterval: time.Minute,
		},
		API: api.Config{
			Addr: ":8112",
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if err := c.Torrent.Validate(); err != nil {
		return fmt.Errorf("torrent: %w", err)
	}

	if err := stats.ValidateResolutions(c.Stats.Resolutions); err != nil {
		return fmt.Errorf("stats.resolutions: %w", err)
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	if err := c.Persistence.Config.Validate(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}

	if c.Persistence.SaveInterval <= 0 {
		return fmt.Errorf("persistence.save_interval must be positive")
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}

	return nil
}
