package http

import (
	"errors"
	"slices"
	"time"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

const (
	// maxBatchSamples caps one POST. A tick of the default chain emits
	// at most a few dozen samples, so a flush normally carries every
	// sample queued since the previous one.
	maxBatchSamples = 4096

	// exportWorkers is fixed at one so batches arrive in tick order.
	exportWorkers = 1
)

// Config configures the HTTP sample exporter.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address receives POSTed NDJSON sample batches.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib, snappy.
	// Defaults to gzip.
	Compression string `yaml:"compression"`

	// Instance tags every exported sample.
	Instance string `yaml:"instance"`

	// Resolutions limits the exported samples. Empty exports all.
	Resolutions []stats.Resolution `yaml:"resolutions"`

	// FlushInterval is the longest a sample waits before it is sent.
	// Defaults to 1s, one batch per base tick.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Timeout bounds one POST. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`

	// QueueSize is how many samples may wait for delivery before new
	// ones are dropped. Defaults to 16384, minutes of ticks.
	QueueSize int `yaml:"queue_size"`

	// UserAgent is sent with every request. Defaults to "torrentstats".
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Compression:   CompressionGzip,
		FlushInterval: time.Second,
		Timeout:       10 * time.Second,
		QueueSize:     16384,
		UserAgent:     "torrentstats",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("http address is required when enabled")
	}

	if c.QueueSize <= 0 {
		return errors.New("queue_size must be greater than 0")
	}

	for _, r := range c.Resolutions {
		if r <= 0 {
			return errors.New("resolutions must be positive")
		}
	}

	if !ValidCompression(c.Compression) {
		return errors.New("invalid compression type: " + c.Compression)
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}

	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
}

// Exports reports whether samples at r pass the resolution filter.
func (c *Config) Exports(r stats.Resolution) bool {
	return len(c.Resolutions) == 0 || slices.Contains(c.Resolutions, r)
}

func (c *Config) batchSize() int {
	return min(maxBatchSamples, c.QueueSize)
}
