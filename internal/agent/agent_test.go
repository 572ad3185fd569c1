package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/torrentstats/internal/api"
	"github.com/ethpandaops/torrentstats/internal/stats"
	"github.com/ethpandaops/torrentstats/internal/store"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fakeSource struct {
	mu      sync.Mutex
	snap    stats.Snapshot
	session stats.Totals
}

func (f *fakeSource) Snapshot(_ context.Context) (stats.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(stats.Snapshot, len(f.snap))
	for k, v := range f.snap {
		out[k] = v
	}

	return out, nil
}

func (f *fakeSource) SessionTotals(_ context.Context) (stats.Totals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.session, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snap: stats.Snapshot{
			"upload_rate":     2048.7,
			"download_rate":   4096,
			"num_connections": 12,
			"num_peers":       9,
			"dht_nodes":       150,
		},
		session: stats.Totals{
			Upload:          1000,
			Download:        5000,
			PayloadUpload:   900,
			PayloadDownload: 4800,
		},
	}
}

// testConfig returns a config rooted at dir whose update ticker is slow
// enough that only the tick issued by Enable lands during a test.
func testConfig(t *testing.T, dir string) *Config {
	t.Helper()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "stats.conf"), []byte("update_interval: 60000\n"), 0o644,
	))

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Persistence.SaveInterval = time.Hour

	return cfg
}

func startAgent(t *testing.T, cfg *Config, src stats.Source) *agent {
	t.Helper()

	a, err := newAgent(testLog(), cfg, src)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	return a
}

func TestAgent_StartServesFirstTick(t *testing.T) {
	a := startAgent(t, testConfig(t, t.TempDir()), newFakeSource())
	defer a.Stop()

	assert.Equal(t, stats.DefaultCounters, a.Counters())

	res, err := a.GetStats(a.Counters(), 1)
	require.NoError(t, err)

	assert.Len(t, res.Stats, len(stats.DefaultCounters))
	assert.Equal(t, []float64{2048}, res.Stats["upload_rate"])
	assert.Equal(t, []float64{0}, res.Stats["dht_torrents"])
	assert.Equal(t, stats.DefaultMaxLength, res.Length)

	res, err = a.GetStats(nil, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Stats)
	assert.Equal(t, stats.Resolution(1), res.Resolution)
	assert.Equal(t, stats.DefaultMaxLength, res.Length)

	res, err = a.GetStats([]string{"num_peers", "unknown"}, 5)
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{"num_peers": {}}, res.Stats)

	_, err = a.GetStats(nil, 7)
	require.ErrorIs(t, err, stats.ErrResolutionNotFound)

	assert.Equal(t, stats.DefaultResolutions, a.GetIntervals())
}

func TestAgent_TotalsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	seed, err := store.Open(testLog(), cfg.Persistence.Config, dir, totalsNamespace, stats.DefaultTotals())
	require.NoError(t, err)
	seed.Set(stats.KeyTotalUpload, int64(100))
	require.NoError(t, seed.Save())
	require.NoError(t, seed.Close())

	src := newFakeSource()
	a := startAgent(t, cfg, src)

	totals, err := a.GetTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1100), totals.Upload)
	assert.Equal(t, int64(5000), totals.Download)

	session, err := a.GetSessionTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, src.session, session)

	// Re-enabling saves, but must not fold the session in twice.
	a.Disable()
	require.NoError(t, a.Enable(context.Background()))

	totals, err = a.GetTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1100), totals.Upload)

	require.NoError(t, a.Stop())

	reopened, err := store.Open(testLog(), cfg.Persistence.Config, dir, totalsNamespace, stats.DefaultTotals())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, int64(1100), store.Int64(reopened, stats.KeyTotalUpload))
	assert.Equal(t, int64(4800), store.Int64(reopened, stats.KeyTotalPayloadDownload))
}

func TestAgent_PersistPublishesTotals(t *testing.T) {
	a := startAgent(t, testConfig(t, t.TempDir()), newFakeSource())
	defer a.Stop()

	a.mu.Lock()
	agg := a.agg
	a.mu.Unlock()
	require.NotNil(t, agg)

	a.persist(context.Background(), agg)

	assert.InDelta(t, 1000, testutil.ToFloat64(a.health.Totals.WithLabelValues(stats.KeyTotalUpload)), 0)
	assert.InDelta(t, 5000, testutil.ToFloat64(a.health.Totals.WithLabelValues(stats.KeyTotalDownload)), 0)
	assert.InDelta(t, 4800, testutil.ToFloat64(a.health.Totals.WithLabelValues(stats.KeyTotalPayloadDownload)), 0)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", a.health.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `torrentstats_totals_bytes{metric="total_payload_upload"} 900`)
}

func TestAgent_DisabledQueriesUnavailable(t *testing.T) {
	a := startAgent(t, testConfig(t, t.TempDir()), newFakeSource())
	defer a.Stop()

	a.Disable()
	a.Disable()

	_, err := a.GetStats(nil, 1)
	require.ErrorIs(t, err, stats.ErrSourceUnavailable)

	_, err = a.GetTotals(context.Background())
	require.ErrorIs(t, err, stats.ErrSourceUnavailable)

	assert.Equal(t, stats.DefaultResolutions, a.GetIntervals())

	require.NoError(t, a.Enable(context.Background()))

	res, err := a.GetStats([]string{"upload_rate"}, 1)
	require.NoError(t, err)
	assert.Len(t, res.Stats["upload_rate"], 1)
}

func TestAgent_RestoreHistoryOnStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Persistence.RestoreHistory = true

	a := startAgent(t, cfg, newFakeSource())
	require.NoError(t, a.Stop())

	b := startAgent(t, cfg, newFakeSource())
	defer b.Stop()

	res, err := b.GetStats([]string{"download_rate"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4096, 4096}, res.Stats["download_rate"])
}

func TestAgent_SetConfig(t *testing.T) {
	dir := t.TempDir()
	a := startAgent(t, testConfig(t, dir), newFakeSource())
	defer a.Stop()

	err := a.SetConfig(context.Background(), map[string]any{
		SettingLength:         json.Number("5"),
		SettingUpdateInterval: json.Number("250"),
		"note":                "hello",
	})
	require.NoError(t, err)

	a.mu.Lock()
	agg, update := a.agg, a.update
	a.mu.Unlock()

	assert.Equal(t, 5, agg.MaxLength())
	assert.Equal(t, 250*time.Millisecond, update.Interval())

	cfg := a.GetConfig()
	assert.Equal(t, 5, cfg[SettingLength])
	assert.Equal(t, "hello", cfg["note"])
	assert.Equal(t, "NiNiNi", cfg[SettingTest])

	onDisk, err := store.LoadYAML(testLog(), filepath.Join(dir, "stats.conf"), settingsNamespace, nil)
	require.NoError(t, err)
	assert.Equal(t, 250, store.Int(onDisk, SettingUpdateInterval))
}

func TestAgent_SetConfigRejectsInvalid(t *testing.T) {
	a := startAgent(t, testConfig(t, t.TempDir()), newFakeSource())
	defer a.Stop()

	tests := []map[string]any{
		{SettingLength: json.Number("0")},
		{SettingLength: "many"},
		{SettingUpdateInterval: json.Number("-10")},
	}

	for _, partial := range tests {
		err := a.SetConfig(context.Background(), partial)
		require.ErrorIs(t, err, api.ErrInvalidInput, "partial %v", partial)
	}

	assert.Equal(t, stats.DefaultMaxLength, a.GetConfig()[SettingLength])
}

func TestAgent_ReloadRereadsSettings(t *testing.T) {
	dir := t.TempDir()
	a := startAgent(t, testConfig(t, dir), newFakeSource())
	defer a.Stop()

	path := filepath.Join(dir, "stats.conf")
	require.NoError(t, os.WriteFile(path, []byte("length: 42\nupdate_interval: 2000\n"), 0o644))

	require.NoError(t, a.Reload(context.Background()))

	res, err := a.GetStats(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Length)

	a.mu.Lock()
	interval := a.update.Interval()
	a.mu.Unlock()

	assert.Equal(t, 2*time.Second, interval)
}

func TestAgent_ServesAPI(t *testing.T) {
	a := startAgent(t, testConfig(t, t.TempDir()), newFakeSource())
	defer a.Stop()

	client := api.NewRemoteClient("http://" + a.server.Addr())
	ctx := context.Background()

	res, err := client.GetStats(ctx, []string{"num_connections"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{12}, res.Stats["num_connections"])
	assert.Equal(t, stats.Resolution(1), res.Resolution)

	intervals, err := client.GetIntervals(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.DefaultResolutions, intervals)

	require.NoError(t, client.SetConfig(ctx, map[string]any{SettingLength: 10}))

	cfg, err := client.GetConfig(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, cfg[SettingLength])

	totals, err := client.GetTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), totals.Download)
}

func TestAgent_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Stats.Resolutions = []stats.Resolution{1, 7, 10}

	_, err := newAgent(testLog(), cfg, newFakeSource())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

// slowSource records how many snapshots run at once.
type slowSource struct {
	*fakeSource

	delay    time.Duration
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    int
}

func (s *slowSource) Snapshot(ctx context.Context) (stats.Snapshot, error) {
	s.mu.Lock()
	s.inFlight++
	s.calls++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	return s.fakeSource.Snapshot(ctx)
}

func TestAgent_TicksNeverOverlap(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "stats.conf"), []byte("update_interval: 1\n"), 0o644,
	))

	src := &slowSource{fakeSource: newFakeSource(), delay: 20 * time.Millisecond}
	a := startAgent(t, cfg, src)

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()

		return src.calls >= 3
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop())

	src.mu.Lock()
	defer src.mu.Unlock()

	assert.Equal(t, 1, src.peak)
}
