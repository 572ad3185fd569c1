package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/api"
	"github.com/ethpandaops/torrentstats/internal/clock"
	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/sink"
	"github.com/ethpandaops/torrentstats/internal/source"
	"github.com/ethpandaops/torrentstats/internal/stats"
	"github.com/ethpandaops/torrentstats/internal/store"
	"github.com/ethpandaops/torrentstats/internal/version"
)

// Keys of the user settings namespace.
const (
	SettingTest           = "test"
	SettingUpdateInterval = "update_interval"
	SettingLength         = "length"
)

const (
	settingsNamespace = "stats.conf"
	totalsNamespace   = "stats.totals"
	finalSaveTimeout  = 10 * time.Second
)

// DefaultSettings are the defaults of the user settings namespace.
// update_interval is in milliseconds.
func DefaultSettings() map[string]any {
	return map[string]any{
		SettingTest:           "NiNiNi",
		SettingUpdateInterval: 1000,
		SettingLength:         stats.DefaultMaxLength,
	}
}

// Agent is the top-level orchestrator for torrentstats.
type Agent interface {
	// Start initializes all components and enables sampling.
	Start(ctx context.Context) error
	// Stop disables sampling and shuts down all components gracefully.
	Stop() error
	// Enable starts sampling with a fresh aggregator.
	Enable(ctx context.Context) error
	// Disable stops sampling after a final save.
	Disable()
	// Reload re-reads the user settings and restarts sampling.
	Reload(ctx context.Context) error
}

type agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	ledger *stats.Ledger

	source  stats.Source
	tsource *source.TorrentSource
	client  *torrent.Client
	totals  store.Store
	sinks   []sink.Sink
	server  *api.Server

	// mu guards everything below.
	mu       sync.Mutex
	settings store.Store
	agg      *stats.Aggregator
	update   clock.Ticker
	save     clock.Ticker
	restored bool

	cancel context.CancelFunc
}

var _ api.Backend = (*agent)(nil)

// New creates a new Agent backed by an embedded torrent client.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	return newAgent(log, cfg, nil)
}

// newAgent creates an agent sampling src. A nil src starts a torrent
// client on Start.
func newAgent(log logrus.FieldLogger, cfg *Config, src stats.Source) (*agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Sinks.HTTP.UserAgent == "" {
		cfg.Sinks.HTTP.UserAgent = version.UserAgent()
	}

	return &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: export.NewHealthMetrics(log, cfg.Health),
		ledger: stats.NewLedger(),
		source: src,
	}, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Open the settings and totals namespaces.
	settings, err := store.Open(
		a.log, a.cfg.Settings, a.cfg.DataDir, settingsNamespace, DefaultSettings(),
	)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}

	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()

	a.totals, err = store.Open(
		a.log, a.cfg.Persistence.Config, a.cfg.DataDir, totalsNamespace, stats.DefaultTotals(),
	)
	if err != nil {
		return fmt.Errorf("opening totals: %w", err)
	}

	// 3. Start the torrent client unless a source was supplied.
	if a.source == nil {
		a.client, err = source.NewTorrentClient(ctx, a.log, a.cfg.Torrent, a.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("starting torrent client: %w", err)
		}

		a.tsource = source.NewTorrentSource(a.log, a.client)
		a.source = a.tsource

		a.log.WithField("torrents", len(a.client.Torrents())).
			Info("Torrent client started")
	}

	// 4. Start all enabled sinks.
	a.sinks, err = sink.New(a.log, a.cfg.Sinks, a.health)
	if err != nil {
		return fmt.Errorf("creating sinks: %w", err)
	}

	for _, s := range a.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		a.log.WithField("sink", s.Name()).Info("Sink started")
	}

	// 5. Start the query API.
	a.server = api.NewServer(a.log, a.cfg.API, a, a.health)

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// 6. Begin sampling.
	if err := a.Enable(ctx); err != nil {
		return fmt.Errorf("enabling stats: %w", err)
	}

	a.log.Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	a.Disable()

	if a.cancel != nil {
		a.cancel()
	}

	// Stop in reverse order.
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping api server")
		}
	}

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.tsource != nil {
		a.tsource.Close()
	}

	if a.client != nil {
		a.client.Close()
	}

	a.mu.Lock()
	settings := a.settings
	a.mu.Unlock()

	for _, st := range []store.Store{settings, a.totals} {
		if st == nil {
			continue
		}

		if err := st.Close(); err != nil {
			a.log.WithError(err).WithField("namespace", st.Namespace()).
				Error("Error closing store")
		}
	}

	if a.health != nil {
		a.health.Stop()
	}

	return nil
}

func (a *agent) Enable(ctx context.Context) error {
	a.mu.Lock()

	if a.agg != nil {
		a.mu.Unlock()

		return nil
	}

	if a.settings == nil || a.totals == nil {
		a.mu.Unlock()

		return fmt.Errorf("agent not started")
	}

	agg, err := stats.New(a.log, stats.Config{
		Resolutions:    a.cfg.Stats.Resolutions,
		MaxLength:      store.Int(a.settings, SettingLength),
		Counters:       a.cfg.Stats.ExtraCounters,
		RestoreHistory: a.cfg.Persistence.RestoreHistory && !a.restored,
	}, a.source, a.totals, a.ledger, a.health)
	if err != nil {
		a.mu.Unlock()

		return fmt.Errorf("creating aggregator: %w", err)
	}

	a.restored = true

	agg.OnSample(a.fanout)

	update, err := clock.New(a.log, "update", updateInterval(a.settings))
	if err != nil {
		a.mu.Unlock()

		return fmt.Errorf("creating update ticker: %w", err)
	}

	update.OnTick(agg.Tick)

	save, err := clock.New(a.log, "save", a.cfg.Persistence.SaveInterval)
	if err != nil {
		a.mu.Unlock()

		return fmt.Errorf("creating save ticker: %w", err)
	}

	save.OnTick(func(ctx context.Context) {
		a.persist(ctx, agg)
	})

	// The first tick completes before the update ticker can fire.
	agg.Tick(ctx)

	if err := update.Start(ctx); err != nil {
		a.mu.Unlock()

		return fmt.Errorf("starting update ticker: %w", err)
	}

	if err := save.Start(ctx); err != nil {
		update.Stop()
		a.mu.Unlock()

		return fmt.Errorf("starting save ticker: %w", err)
	}

	a.agg, a.update, a.save = agg, update, save
	a.mu.Unlock()

	a.health.Enabled.Set(1)

	a.log.WithFields(logrus.Fields{
		"resolutions": agg.Resolutions(),
		"counters":    len(agg.Counters()),
		"length":      agg.MaxLength(),
	}).Info("Stats enabled")

	return nil
}

func (a *agent) Disable() {
	a.mu.Lock()
	agg, update, save := a.agg, a.update, a.save
	a.agg, a.update, a.save = nil, nil, nil
	a.mu.Unlock()

	if agg == nil {
		return
	}

	update.Stop()
	save.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancel()

	a.persist(ctx, agg)
	a.health.Enabled.Set(0)

	a.log.Info("Stats disabled")
}

func (a *agent) Reload(ctx context.Context) error {
	a.Disable()

	a.mu.Lock()
	old := a.settings

	settings, err := store.Open(
		a.log, a.cfg.Settings, a.cfg.DataDir, settingsNamespace, DefaultSettings(),
	)
	if err == nil {
		a.settings = settings
	}
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reopening settings: %w", err)
	}

	if old != nil {
		_ = old.Close()
	}

	return a.Enable(ctx)
}

// persist saves the aggregator state and publishes the running totals.
func (a *agent) persist(ctx context.Context, agg *stats.Aggregator) {
	agg.Save(ctx)

	totals, err := agg.GetTotals(ctx)
	if err != nil {
		return
	}

	for k, v := range totals.Map() {
		a.health.Totals.WithLabelValues(k).Set(float64(v))
	}
}

// fanout hands one tick's samples to every sink and websocket client.
func (a *agent) fanout(samples []stats.Sample) {
	for _, s := range a.sinks {
		s.HandleSamples(samples)
	}

	if a.server != nil {
		a.server.Hub().Broadcast(samples)
	}
}

func (a *agent) current() (*stats.Aggregator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.agg == nil {
		return nil, fmt.Errorf("%w: stats disabled", stats.ErrSourceUnavailable)
	}

	return a.agg, nil
}

func (a *agent) GetStats(keys []string, interval stats.Resolution) (stats.Result, error) {
	agg, err := a.current()
	if err != nil {
		return stats.Result{}, err
	}

	return agg.Query(keys, interval)
}

func (a *agent) Counters() []string {
	agg, err := a.current()
	if err != nil {
		return nil
	}

	return agg.Counters()
}

func (a *agent) GetTotals(ctx context.Context) (stats.Totals, error) {
	agg, err := a.current()
	if err != nil {
		return stats.Totals{}, err
	}

	return agg.GetTotals(ctx)
}

func (a *agent) GetSessionTotals(ctx context.Context) (stats.Totals, error) {
	agg, err := a.current()
	if err != nil {
		return stats.Totals{}, err
	}

	return agg.GetSessionTotals(ctx)
}

func (a *agent) GetConfig() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settings == nil {
		return DefaultSettings()
	}

	return a.settings.Config()
}

// SetConfig merges partial into the settings, saves them and applies
// length and update_interval to the running aggregator.
func (a *agent) SetConfig(_ context.Context, partial map[string]any) error {
	values := make(map[string]any, len(partial))

	for k, v := range partial {
		v = normalize(v)

		if k == SettingLength || k == SettingUpdateInterval {
			n, ok := store.ToInt64(v)
			if !ok || n <= 0 {
				return fmt.Errorf("%w: %s must be a positive integer", api.ErrInvalidInput, k)
			}

			v = int(n)
		}

		values[k] = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settings == nil {
		return fmt.Errorf("%w: settings not loaded", stats.ErrSourceUnavailable)
	}

	for k, v := range values {
		a.settings.Set(k, v)
	}

	if err := a.settings.Save(); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}

	if a.agg == nil {
		return nil
	}

	if _, ok := values[SettingLength]; ok {
		if err := a.agg.SetMaxLength(store.Int(a.settings, SettingLength)); err != nil {
			return err
		}
	}

	if _, ok := values[SettingUpdateInterval]; ok {
		if err := a.update.Reset(updateInterval(a.settings)); err != nil {
			return err
		}
	}

	a.log.WithField("keys", len(values)).Info("Settings updated")

	return nil
}

func (a *agent) GetIntervals() []stats.Resolution {
	if agg, err := a.current(); err == nil {
		return agg.Resolutions()
	}

	return append([]stats.Resolution(nil), a.cfg.Stats.Resolutions...)
}

// updateInterval reads the base tick interval; unusable values fall
// back to one second.
func updateInterval(st store.Store) time.Duration {
	ms := store.Int64(st, SettingUpdateInterval)
	if ms <= 0 {
		return time.Second
	}

	return time.Duration(ms) * time.Millisecond
}

// normalize converts JSON numbers into plain Go numbers so the stores
// encode them as numbers.
func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}

	if i, err := n.Int64(); err == nil {
		return i
	}

	if f, err := n.Float64(); err == nil {
		return f
	}

	return n.String()
}
