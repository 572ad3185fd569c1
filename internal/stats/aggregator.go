package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/store"
)

var (
	// ErrResolutionNotFound is returned by Query for an untracked resolution.
	ErrResolutionNotFound = errors.New("resolution not found")

	// ErrSourceUnavailable wraps failures of the status source.
	ErrSourceUnavailable = errors.New("status source unavailable")
)

// DefaultCounters are registered on every new Aggregator.
var DefaultCounters = []string{
	"upload_rate",
	"download_rate",
	"num_connections",
	"dht_nodes",
	"dht_cache_nodes",
	"dht_torrents",
	"num_peers",
}

// DefaultMaxLength is the default history length per buffer.
const DefaultMaxLength = 150

// Snapshot maps counter names to their current values.
type Snapshot map[string]float64

// Source is the external status source sampled on every tick.
type Source interface {
	// Snapshot returns the current value of every counter the source
	// knows about.
	Snapshot(ctx context.Context) (Snapshot, error)
	// SessionTotals returns the cumulative transfer totals of the
	// current session.
	SessionTotals(ctx context.Context) (Totals, error)
}

// Sample is one value appended to a history buffer.
type Sample struct {
	Resolution Resolution `json:"resolution"`
	Counter    string     `json:"counter"`
	Value      float64    `json:"value"`
	Time       time.Time  `json:"time"`
}

// SampleFunc receives the samples appended by one tick.
type SampleFunc func(samples []Sample)

// Config configures an Aggregator.
type Config struct {
	// Resolutions is the ascending aggregation chain. Defaults to
	// DefaultResolutions.
	Resolutions []Resolution

	// MaxLength caps every history buffer. Defaults to DefaultMaxLength.
	MaxLength int

	// Counters are registered in addition to DefaultCounters.
	Counters []string

	// RestoreHistory loads saved history buffers on creation.
	RestoreHistory bool

	// Now overrides the wall clock.
	Now func() time.Time
}

// Aggregator samples a Source at the base resolution and downsamples
// the history into every coarser resolution of its chain.
type Aggregator struct {
	log    logrus.FieldLogger
	source Source
	store  store.Store
	ledger *Ledger
	health *export.HealthMetrics
	now    func() time.Time

	// mu guards everything below.
	mu         sync.Mutex
	chain      []link
	maxLength  int
	counters   []string
	history    map[Resolution]map[string]*History
	ticks      map[Resolution]int
	lastUpdate map[Resolution]time.Time
	callbacks  []SampleFunc

	saveMu sync.Mutex
}

// New creates an Aggregator. The ledger absorbs the persisted totals of
// st on its first use; later aggregators sharing it do not re-read them.
func New(
	log logrus.FieldLogger,
	cfg Config,
	source Source,
	st store.Store,
	ledger *Ledger,
	health *export.HealthMetrics,
) (*Aggregator, error) {
	if source == nil {
		return nil, fmt.Errorf("status source is required")
	}

	if st == nil {
		return nil, fmt.Errorf("totals store is required")
	}

	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = DefaultResolutions
	}

	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if ledger == nil {
		ledger = NewLedger()
	}

	chain, err := buildChain(cfg.Resolutions)
	if err != nil {
		return nil, fmt.Errorf("invalid resolutions: %w", err)
	}

	a := &Aggregator{
		log:        log.WithField("component", "stats"),
		source:     source,
		store:      st,
		ledger:     ledger,
		health:     health,
		now:        cfg.Now,
		chain:      chain,
		maxLength:  cfg.MaxLength,
		history:    make(map[Resolution]map[string]*History, len(chain)),
		ticks:      make(map[Resolution]int, len(chain)),
		lastUpdate: make(map[Resolution]time.Time, len(chain)),
	}

	start := a.now()
	for _, l := range chain {
		a.history[l.Resolution] = make(map[string]*History, len(DefaultCounters))
		a.lastUpdate[l.Resolution] = start
	}

	a.RegisterCounters(DefaultCounters...)
	a.RegisterCounters(cfg.Counters...)

	if ledger.Load(st) {
		fields := logrus.Fields{}
		for k, v := range ledger.Persisted().Map() {
			fields[k] = v
		}

		a.log.WithFields(fields).Info("Loaded persisted totals")
	}

	if cfg.RestoreHistory {
		if err := a.restore(); err != nil {
			a.log.WithError(err).Warn("Could not restore saved history")
		}
	}

	return a, nil
}

// RegisterCounters starts tracking names at every resolution. Counters
// already tracked are left untouched.
func (a *Aggregator) RegisterCounters(names ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, name := range names {
		if name == "" {
			continue
		}

		base := a.history[a.chain[0].Resolution]
		if _, ok := base[name]; ok {
			continue
		}

		for _, l := range a.chain {
			a.history[l.Resolution][name] = NewHistory(a.maxLength)
		}

		a.counters = append(a.counters, name)
	}
}

// Counters returns the tracked counter names in registration order.
func (a *Aggregator) Counters() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.counters...)
}

// Resolutions returns the aggregation chain, ascending.
func (a *Aggregator) Resolutions() []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Resolution, len(a.chain))
	for i, l := range a.chain {
		out[i] = l.Resolution
	}

	return out
}

// MaxLength returns the configured history length.
func (a *Aggregator) MaxLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.maxLength
}

// SetMaxLength changes the history length, trimming every buffer to the
// newest n samples.
func (a *Aggregator) SetMaxLength(n int) error {
	if n <= 0 {
		return fmt.Errorf("length must be positive, got %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.maxLength = n

	for _, byCounter := range a.history {
		for _, h := range byCounter {
			h.Resize(n)
		}
	}

	return nil
}

// OnSample registers fn to receive the samples appended by each tick.
func (a *Aggregator) OnSample(fn SampleFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.callbacks = append(a.callbacks, fn)
}

// Tick samples the source once and advances every coarser resolution.
// Failures are logged and leave the aggregator unchanged; the next tick
// retries independently.
func (a *Aggregator) Tick(ctx context.Context) {
	start := time.Now()

	samples, err := a.tick(ctx)
	if err != nil {
		a.log.WithError(err).Error("Stats update error")

		if a.health != nil {
			a.health.TickErrors.Inc()
		}

		return
	}

	if a.health != nil {
		a.health.TicksTotal.Inc()
		a.health.TickDuration.Observe(time.Since(start).Seconds())
		a.recordHealth(samples)
	}

	a.mu.Lock()
	callbacks := append([]SampleFunc(nil), a.callbacks...)
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(samples)
	}
}

func (a *Aggregator) tick(ctx context.Context) ([]Sample, error) {
	snap, err := a.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	base := a.chain[0].Resolution
	a.lastUpdate[base] = now

	samples := make([]Sample, 0, len(a.counters)*2)

	for _, name := range a.counters {
		v := sampleValue(snap[name])
		a.history[base][name].Push(v)

		samples = append(samples, Sample{
			Resolution: base,
			Counter:    name,
			Value:      v,
			Time:       now,
		})
	}

	for _, l := range a.chain[1:] {
		samples = a.advance(l, now, samples)
	}

	return samples, nil
}

// advance counts one base tick towards l and, once its threshold is
// reached, appends the mean of the finer resolution's newest samples.
func (a *Aggregator) advance(l link, now time.Time, samples []Sample) []Sample {
	a.ticks[l.Resolution]++

	if a.ticks[l.Resolution] < l.Threshold {
		return samples
	}

	a.lastUpdate[l.Resolution] = now
	a.ticks[l.Resolution] = 0

	finer := a.history[l.Base]
	current := a.history[l.Resolution]

	for _, name := range a.counters {
		avg := Mean(finer[name].Recent(l.Multiplier))
		current[name].Push(avg)

		samples = append(samples, Sample{
			Resolution: l.Resolution,
			Counter:    name,
			Value:      avg,
			Time:       now,
		})
	}

	return samples
}

// sampleValue truncates v to an integer; non-finite values count as 0.
func sampleValue(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return math.Trunc(v)
}

// Result is the answer to a Query.
type Result struct {
	Stats      map[string][]float64
	LastUpdate time.Time
	Length     int
	Resolution Resolution
}

// MarshalJSON flattens the result into the counter names plus the
// _last_update, _length and _update_interval metadata keys.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Stats)+3)
	for k, v := range r.Stats {
		out[k] = v
	}

	out["_last_update"] = float64(r.LastUpdate.UnixNano()) / float64(time.Second)
	out["_length"] = r.Length
	out["_update_interval"] = int(r.Resolution)

	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Stats = make(map[string][]float64, len(raw))

	for k, v := range raw {
		var err error

		switch k {
		case "_last_update":
			var secs float64
			err = json.Unmarshal(v, &secs)
			r.LastUpdate = time.Unix(0, int64(secs*float64(time.Second)))
		case "_length":
			err = json.Unmarshal(v, &r.Length)
		case "_update_interval":
			err = json.Unmarshal(v, &r.Resolution)
		default:
			var values []float64
			err = json.Unmarshal(v, &values)
			r.Stats[k] = values
		}

		if err != nil {
			return fmt.Errorf("decoding %s: %w", k, err)
		}
	}

	return nil
}

// Query returns the history of every requested counter tracked at
// resolution r. Unknown counters are omitted.
func (a *Aggregator) Query(names []string, r Resolution) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byCounter, ok := a.history[r]
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrResolutionNotFound, r)
	}

	res := Result{
		Stats:      make(map[string][]float64, len(names)),
		LastUpdate: a.lastUpdate[r],
		Length:     a.maxLength,
		Resolution: r,
	}

	for _, name := range names {
		if h, ok := byCounter[name]; ok {
			res.Stats[name] = h.Values()
		}
	}

	return res, nil
}

// GetSessionTotals returns the live totals of the current session.
func (a *Aggregator) GetSessionTotals(ctx context.Context) (Totals, error) {
	t, err := a.source.SessionTotals(ctx)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return t, nil
}

// GetTotals returns the persisted totals plus the session totals.
func (a *Aggregator) GetTotals(ctx context.Context) (Totals, error) {
	session, err := a.GetSessionTotals(ctx)
	if err != nil {
		return Totals{}, err
	}

	return a.ledger.Persisted().Add(session), nil
}

// Save writes every history buffer and the running totals to the totals
// store. Failures are logged; in-memory state is never rolled back.
func (a *Aggregator) Save(ctx context.Context) {
	start := time.Now()

	if err := a.save(ctx); err != nil {
		a.log.WithError(err).Error("Stats save error")

		if a.health != nil {
			a.health.SaveErrors.Inc()
		}

		return
	}

	if a.health != nil {
		a.health.SavesTotal.Inc()
		a.health.SaveDuration.Observe(time.Since(start).Seconds())
	}
}

// save stores persisted+session totals. The persisted part is fixed for
// the process lifetime, so repeated saves never count a session twice.
func (a *Aggregator) save(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	history := a.exportHistory()

	totals, err := a.GetTotals(ctx)
	if err != nil {
		return fmt.Errorf("reading totals: %w", err)
	}

	a.store.Set(KeyHistory, history)
	totals.writeTo(a.store)

	if err := a.store.Save(); err != nil {
		return fmt.Errorf("writing %s store: %w", a.store.Namespace(), err)
	}

	a.log.WithField("counters", len(a.Counters())).Debug("Saved stats")

	return nil
}

// exportHistory copies the buffers keyed by resolution then counter.
func (a *Aggregator) exportHistory() map[string]map[string][]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]map[string][]float64, len(a.history))

	for r, byCounter := range a.history {
		m := make(map[string][]float64, len(byCounter))
		for name, h := range byCounter {
			m[name] = h.Values()
		}

		out[r.String()] = m
	}

	return out
}

// restore seeds tracked buffers from the saved history.
func (a *Aggregator) restore() error {
	var saved map[string]map[string][]float64
	if err := store.Decode(a.store, KeyHistory, &saved); err != nil {
		return fmt.Errorf("decoding saved history: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	restored := 0

	for key, byCounter := range saved {
		r, err := ParseResolution(key)
		if err != nil {
			continue
		}

		tracked, ok := a.history[r]
		if !ok {
			continue
		}

		for name, values := range byCounter {
			h, ok := tracked[name]
			if !ok {
				continue
			}

			if len(values) > h.Cap() {
				values = values[:h.Cap()]
			}

			h.seed(values)
			restored++
		}
	}

	a.log.WithField("buffers", restored).Info("Restored saved history")

	return nil
}

func (a *Aggregator) recordHealth(samples []Sample) {
	base := a.chain[0].Resolution

	for _, s := range samples {
		a.health.SamplesEmitted.WithLabelValues(s.Resolution.String()).Inc()

		if s.Resolution == base {
			a.health.CounterValue.WithLabelValues(s.Counter).Set(s.Value)
		}
	}

	a.mu.Lock()
	for r, byCounter := range a.history {
		longest := 0
		for _, h := range byCounter {
			if h.Len() > longest {
				longest = h.Len()
			}
		}

		a.health.HistoryLength.WithLabelValues(r.String()).Set(float64(longest))
	}
	a.health.CountersTracked.Set(float64(len(a.counters)))
	a.mu.Unlock()
}
