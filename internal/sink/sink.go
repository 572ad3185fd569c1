// Package sink delivers the samples emitted by the stats aggregator to
// external consumers.
package sink

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

// Config holds configuration for all sinks.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// Validate fills defaults of and validates every enabled sink.
func (c *Config) Validate() error {
	if c.Log.Enabled && c.Log.Interval < 0 {
		return fmt.Errorf("log: interval must not be negative")
	}

	if c.ClickHouse.Enabled {
		c.ClickHouse.ClickHouse.ApplyDefaults()

		if err := c.ClickHouse.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}

	if c.HTTP.Enabled {
		c.HTTP.ApplyDefaults()

		if err := c.HTTP.Validate(); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	return nil
}

// Sink consumes batches of samples.
type Sink interface {
	// Name returns the sink's name for logging and metrics.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop flushes pending samples and shuts down the sink.
	Stop() error
	// HandleSamples receives the samples appended by one tick. It must
	// not block the caller.
	HandleSamples(samples []stats.Sample)
}

// New creates every enabled sink.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) ([]Sink, error) {
	sinks := make([]Sink, 0, 3)

	if cfg.Log.Enabled {
		sinks = append(sinks, NewLogSink(log, cfg.Log))
	}

	if cfg.ClickHouse.Enabled {
		sinks = append(sinks, NewClickHouseSink(log, cfg.ClickHouse, health))
	}

	if cfg.HTTP.Enabled {
		s, err := NewHTTPSink(log, cfg.HTTP, health)
		if err != nil {
			return nil, fmt.Errorf("creating http sink: %w", err)
		}

		sinks = append(sinks, s)
	}

	return sinks, nil
}
