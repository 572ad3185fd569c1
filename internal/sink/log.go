package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

// LogConfig configures the log sink.
type LogConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between summaries. Defaults to 1m.
	Interval time.Duration `yaml:"interval"`

	// Resolution whose samples are summarized. Defaults to the base
	// resolution.
	Resolution stats.Resolution `yaml:"resolution"`
}

// LogSink periodically logs the latest value of every counter.
type LogSink struct {
	log logrus.FieldLogger
	cfg LogConfig

	mu      sync.Mutex
	latest  map[string]float64
	samples int

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a new log sink.
func NewLogSink(log logrus.FieldLogger, cfg LogConfig) *LogSink {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	if cfg.Resolution <= 0 {
		cfg.Resolution = 1
	}

	return &LogSink{
		log:    log.WithField("sink", "log"),
		cfg:    cfg,
		latest: make(map[string]float64, len(stats.DefaultCounters)),
		done:   make(chan struct{}),
	}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.runTimer(ctx)

	s.log.WithFields(logrus.Fields{
		"interval":   s.cfg.Interval,
		"resolution": s.cfg.Resolution,
	}).Info("Log sink started")

	return nil
}

func (s *LogSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.flush()

	return nil
}

func (s *LogSink) HandleSamples(samples []stats.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sample := range samples {
		if sample.Resolution != s.cfg.Resolution {
			continue
		}

		s.latest[sample.Counter] = sample.Value
		s.samples++
	}
}

func (s *LogSink) runTimer(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush logs the window's summary and starts a new window.
func (s *LogSink) flush() {
	s.mu.Lock()
	latest, samples := s.latest, s.samples
	s.latest = make(map[string]float64, len(latest))
	s.samples = 0
	s.mu.Unlock()

	if samples == 0 {
		return
	}

	s.log.WithFields(summaryFields(latest, samples)).Info("Stats summary")
}

func summaryFields(latest map[string]float64, samples int) logrus.Fields {
	fields := make(logrus.Fields, len(latest)+1)
	fields["samples"] = samples

	for name, v := range latest {
		fields[name] = v
	}

	return fields
}
