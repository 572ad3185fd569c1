package sink

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	httpexport "github.com/ethpandaops/torrentstats/internal/export/http"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

// HTTPConfig configures the HTTP sink.
type HTTPConfig = httpexport.Config

// HTTPSink streams samples to an HTTP endpoint in batches.
type HTTPSink struct {
	log       logrus.FieldLogger
	cfg       HTTPConfig
	processor *processor.BatchItemProcessor[httpexport.Sample]
	cancel    context.CancelFunc
}

var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(
	log logrus.FieldLogger,
	cfg HTTPConfig,
	health *export.HealthMetrics,
) (*HTTPSink, error) {
	cfg.Enabled = true

	var hook httpexport.ExportHook
	if health != nil {
		hook = func(items int, took time.Duration, err error) {
			if err != nil {
				health.SinkExportErrors.WithLabelValues("http").Inc()

				return
			}

			health.SinkSamplesExported.WithLabelValues("http").Add(float64(items))
			health.SinkFlushDuration.WithLabelValues("http").Observe(took.Seconds())
		}
	}

	proc, err := httpexport.NewProcessor[httpexport.Sample](log, cfg, "samples_http", hook)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP processor: %w", err)
	}

	return &HTTPSink{
		log:       log.WithField("sink", "http"),
		cfg:       cfg,
		processor: proc,
	}, nil
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.processor.Start(ctx)

	s.log.WithField("address", s.cfg.Address).Info("HTTP sink started")

	return nil
}

func (s *HTTPSink) Stop() error {
	if err := s.processor.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down HTTP processor: %w", err)
	}

	if s.cancel != nil {
		s.cancel()
	}

	return nil
}

func (s *HTTPSink) HandleSamples(samples []stats.Sample) {
	items := s.cfg.Samples(samples)
	if len(items) == 0 {
		return
	}

	if err := s.processor.Write(context.Background(), items); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
	}
}
