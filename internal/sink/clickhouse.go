package sink

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Enabled bool `yaml:"enabled"`

	// Resolutions limits the exported samples. Empty exports all.
	Resolutions []stats.Resolution `yaml:"resolutions"`

	ClickHouse export.ClickHouseConfig `yaml:",inline"`
}

// sampleWriter is the part of export.ClickHouseWriter the sink uses.
type sampleWriter interface {
	Start(ctx context.Context) error
	Stop() error
	WriteSamples(ctx context.Context, rows []export.SampleRow) error
	Config() export.ClickHouseConfig
}

// ClickHouseSink batches samples into the ClickHouse samples table.
type ClickHouseSink struct {
	log    logrus.FieldLogger
	cfg    ClickHouseConfig
	writer sampleWriter
	health *export.HealthMetrics

	sampleCh chan []stats.Sample

	mu    sync.Mutex
	batch []export.SampleRow

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink creates a new ClickHouse sink.
func NewClickHouseSink(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *export.HealthMetrics,
) *ClickHouseSink {
	return newClickHouseSink(log, cfg, export.NewClickHouseWriter(log, cfg.ClickHouse), health)
}

func newClickHouseSink(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	writer sampleWriter,
	health *export.HealthMetrics,
) *ClickHouseSink {
	return &ClickHouseSink{
		log:      log.WithField("sink", "clickhouse"),
		cfg:      cfg,
		writer:   writer,
		health:   health,
		sampleCh: make(chan []stats.Sample, 1024),
		batch:    make([]export.SampleRow, 0, writer.Config().BatchSize),
		done:     make(chan struct{}),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Start(ctx context.Context) error {
	if err := s.writer.Start(ctx); err != nil {
		return err
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues(s.Name()).Set(1)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	go s.runLoop(ctx)

	s.log.Info("ClickHouse sink started")

	return nil
}

func (s *ClickHouseSink) Stop() error {
	if s.cancel == nil {
		return s.writer.Stop()
	}

	s.cancel()
	<-s.done

	// Drain batches queued after the loop exited.
drain:
	for {
		select {
		case samples := <-s.sampleCh:
			if full := s.append(samples); full != nil {
				if err := s.flush(context.Background(), full); err != nil {
					s.log.WithError(err).Error("Final flush failed")
				}
			}
		default:
			break drain
		}
	}

	s.mu.Lock()
	remaining := s.batch
	s.batch = nil
	s.mu.Unlock()

	if err := s.flush(context.Background(), remaining); err != nil {
		s.log.WithError(err).Error("Final flush failed")
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues(s.Name()).Set(0)
	}

	return s.writer.Stop()
}

func (s *ClickHouseSink) HandleSamples(samples []stats.Sample) {
	select {
	case s.sampleCh <- samples:
	default:
		s.log.WithField("samples", len(samples)).
			Warn("ClickHouse sink queue full, dropping samples")
		s.reportError()
	}
}

func (s *ClickHouseSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.writer.Config().FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case samples := <-s.sampleCh:
			if full := s.append(samples); full != nil {
				if err := s.flush(ctx, full); err != nil {
					s.log.WithError(err).Error("Batch flush failed")
				}
			}
		case <-ticker.C:
			s.mu.Lock()
			pending := s.batch
			s.batch = make([]export.SampleRow, 0, cap(pending))
			s.mu.Unlock()

			if err := s.flush(ctx, pending); err != nil {
				s.log.WithError(err).Error("Periodic flush failed")
			}
		}
	}
}

// append converts samples into rows. It returns the batch to flush once
// it reaches the configured size.
func (s *ClickHouseSink) append(samples []stats.Sample) []export.SampleRow {
	wcfg := s.writer.Config()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range samples {
		if len(s.cfg.Resolutions) > 0 &&
			!slices.Contains(s.cfg.Resolutions, sample.Resolution) {
			continue
		}

		s.batch = append(s.batch, export.SampleRow{
			Time:       sample.Time,
			Instance:   wcfg.MetaInstanceName,
			Resolution: uint32(sample.Resolution),
			Counter:    sample.Counter,
			Value:      sample.Value,
		})
	}

	if len(s.batch) < wcfg.BatchSize {
		return nil
	}

	full := s.batch
	s.batch = make([]export.SampleRow, 0, wcfg.BatchSize)

	return full
}

func (s *ClickHouseSink) flush(ctx context.Context, rows []export.SampleRow) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	if err := s.writer.WriteSamples(ctx, rows); err != nil {
		s.reportError()

		return err
	}

	if s.health != nil {
		s.health.SinkFlushDuration.WithLabelValues(s.Name()).
			Observe(time.Since(start).Seconds())
		s.health.SinkSamplesExported.WithLabelValues(s.Name()).
			Add(float64(len(rows)))
	}

	s.log.WithField("rows", len(rows)).Debug("Flushed samples")

	return nil
}

func (s *ClickHouseSink) reportError() {
	if s.health != nil {
		s.health.SinkExportErrors.WithLabelValues(s.Name()).Inc()
	}
}
