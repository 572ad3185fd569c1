package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the stats agent.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Sampling.
	TicksTotal      prometheus.Counter
	TickErrors      prometheus.Counter
	TickDuration    prometheus.Histogram
	CountersTracked prometheus.Gauge
	CounterValue    *prometheus.GaugeVec   // counter
	HistoryLength   *prometheus.GaugeVec   // resolution
	SamplesEmitted  *prometheus.CounterVec // resolution

	// Persistence.
	SavesTotal   prometheus.Counter
	SaveErrors   prometheus.Counter
	SaveDuration prometheus.Histogram
	Totals       *prometheus.GaugeVec // metric

	// Sinks.
	SinkSamplesExported *prometheus.CounterVec   // sink
	SinkExportErrors    *prometheus.CounterVec   // sink
	SinkFlushDuration   *prometheus.HistogramVec // sink
	ClickHouseConnected *prometheus.GaugeVec     // sink

	// API.
	APIRequests      *prometheus.CounterVec // endpoint, code
	WebsocketClients prometheus.Gauge

	// Lifecycle.
	Enabled prometheus.Gauge

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentstats",
			Name:      "ticks_total",
			Help:      "Total successful sampling ticks.",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentstats",
			Name:      "tick_errors_total",
			Help:      "Total sampling ticks abandoned because the status source failed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "torrentstats",
			Name:      "tick_duration_seconds",
			Help:      "Time to sample the source and advance every resolution.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1}, // 10us-1s
		}),
		CountersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torrentstats",
			Name:      "counters_tracked",
			Help:      "Number of counters with history buffers.",
		}),
		CounterValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "torrentstats",
				Name:      "counter_value",
				Help:      "Latest base-resolution sample per counter.",
			},
			[]string{"counter"},
		),
		HistoryLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "torrentstats",
				Name:      "history_length",
				Help:      "Longest history buffer per resolution.",
			},
			[]string{"resolution"},
		),
		SamplesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torrentstats",
				Name:      "samples_emitted_total",
				Help:      "Total samples appended to history buffers by resolution.",
			},
			[]string{"resolution"},
		),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentstats",
			Name:      "saves_total",
			Help:      "Total successful saves of history and totals.",
		}),
		SaveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrentstats",
			Name:      "save_errors_total",
			Help:      "Total failed saves.",
		}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "torrentstats",
			Name:      "save_duration_seconds",
			Help:      "Time to serialize and write history and totals.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
		}),
		Totals: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "torrentstats",
				Name:      "totals_bytes",
				Help:      "Persisted plus session transfer totals by metric.",
			},
			[]string{"metric"},
		),
		SinkSamplesExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torrentstats",
				Name:      "sink_samples_exported_total",
				Help:      "Total samples exported by sink.",
			},
			[]string{"sink"},
		),
		SinkExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torrentstats",
				Name:      "sink_export_errors_total",
				Help:      "Total failed exports by sink.",
			},
			[]string{"sink"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "torrentstats",
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch of samples by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		ClickHouseConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "torrentstats",
				Name:      "clickhouse_connected",
				Help:      "Whether ClickHouse connection is established (1=yes, 0=no).",
			},
			[]string{"sink"},
		),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torrentstats",
				Name:      "api_requests_total",
				Help:      "Total API requests by endpoint and status code.",
			},
			[]string{"endpoint", "code"},
		),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torrentstats",
			Name:      "websocket_clients",
			Help:      "Number of connected sample stream clients.",
		}),
		Enabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torrentstats",
			Name:      "enabled",
			Help:      "Whether sampling is enabled (1=yes, 0=no).",
		}),
	}

	reg.MustRegister(
		h.TicksTotal,
		h.TickErrors,
		h.TickDuration,
		h.CountersTracked,
		h.CounterValue,
		h.HistoryLength,
		h.SamplesEmitted,
	)

	reg.MustRegister(
		h.SavesTotal,
		h.SaveErrors,
		h.SaveDuration,
		h.Totals,
	)

	reg.MustRegister(
		h.SinkSamplesExported,
		h.SinkExportErrors,
		h.SinkFlushDuration,
		h.ClickHouseConnected,
		h.APIRequests,
		h.WebsocketClients,
		h.Enabled,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
