package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "samples".
	Table string `yaml:"table"`

	// BatchSize is the number of samples per batch insert.
	// Defaults to 10000.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time between flushes.
	// Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MetaInstanceName tags every row with the agent that produced it.
	MetaInstanceName string `yaml:"meta_instance_name"`
}

// ApplyDefaults fills unset batching fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "samples"
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Validate checks the connection settings.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("clickhouse endpoint is required")
	}

	if c.Database == "" {
		return fmt.Errorf("clickhouse database is required")
	}

	return nil
}

// SampleRow is one row of the samples table.
type SampleRow struct {
	Time       time.Time
	Instance   string
	Resolution uint32
	Counter    string
	Value      float64
}

// ClickHouseWriter owns the ClickHouse connection and writes sample rows.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"table":    w.table(),
	}).Info("ClickHouse writer connected")

	return nil
}

func (w *ClickHouseWriter) table() string {
	return fmt.Sprintf("%s.%s", w.cfg.Database, w.cfg.Table)
}

// InsertQuery is the batch statement used by WriteSamples.
func (w *ClickHouseWriter) InsertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO %s (event_time, instance, resolution, counter, value)",
		w.table(),
	)
}

// WriteSamples inserts rows as a single batch.
func (w *ClickHouseWriter) WriteSamples(ctx context.Context, rows []SampleRow) error {
	if len(rows) == 0 {
		return nil
	}

	if w.conn == nil {
		return fmt.Errorf("clickhouse writer not started")
	}

	batch, err := w.conn.PrepareBatch(ctx, w.InsertQuery())
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.Time,
			row.Instance,
			row.Resolution,
			row.Counter,
			row.Value,
		); err != nil {
			_ = batch.Abort()

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch of %d rows: %w", len(rows), err)
	}

	return nil
}

// Config returns the writer configuration with defaults applied.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn == nil {
		return nil
	}

	err := w.conn.Close()
	w.conn = nil

	return err
}
