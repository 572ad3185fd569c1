package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fakeClient struct {
	readings []reading
	err      error
	now      time.Time
}

func (f *fakeClient) collect() (reading, error) {
	if f.err != nil {
		return reading{}, f.err
	}

	r := f.readings[0]
	if len(f.readings) > 1 {
		f.readings = f.readings[1:]
	}

	return r, nil
}

func newTestSource(f *fakeClient) *TorrentSource {
	f.now = time.Unix(1700000000, 0)

	return newTorrentSource(testLog(), f.collect, func() time.Time { return f.now })
}

func tc(hash string, up, down int64, gauges torrent.TorrentGauges) torrentCounters {
	return torrentCounters{
		InfoHash: hash,
		Totals: stats.Totals{
			Upload:          up,
			Download:        down,
			PayloadUpload:   up / 2,
			PayloadDownload: down / 2,
		},
		Gauges: gauges,
	}
}

func TestSnapshot_SumsTorrentsAndDHT(t *testing.T) {
	f := &fakeClient{readings: []reading{{
		Torrents: []torrentCounters{
			tc("a", 100, 1000, torrent.TorrentGauges{
				TotalPeers: 10, ActivePeers: 3, HalfOpenPeers: 1, ConnectedSeeders: 2, PiecesComplete: 4,
			}),
			tc("b", 50, 0, torrent.TorrentGauges{
				TotalPeers: 5, ActivePeers: 2, PendingPeers: 7,
			}),
		},
		DHT: []dhtCounters{{GoodNodes: 20, Nodes: 30}, {GoodNodes: 1, Nodes: 1}},
	}}}

	src := newTestSource(f)

	snap, err := src.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(0), snap["upload_rate"])
	assert.Equal(t, float64(0), snap["download_rate"])
	assert.Equal(t, float64(6), snap["num_connections"])
	assert.Equal(t, float64(5), snap["num_peers"])
	assert.Equal(t, float64(21), snap["dht_nodes"])
	assert.Equal(t, float64(10), snap["dht_cache_nodes"])
	assert.Equal(t, float64(2), snap["dht_torrents"])

	assert.Equal(t, float64(150), snap[stats.KeyTotalUpload])
	assert.Equal(t, float64(1000), snap[stats.KeyTotalDownload])
	assert.Equal(t, float64(75), snap[stats.KeyTotalPayloadUpload])
	assert.Equal(t, float64(500), snap[stats.KeyTotalPayloadDownload])

	assert.Equal(t, float64(2), snap[CounterNumTorrents])
	assert.Equal(t, float64(5), snap[CounterActivePeers])
	assert.Equal(t, float64(7), snap[CounterPendingPeers])
	assert.Equal(t, float64(1), snap[CounterHalfOpenPeers])
	assert.Equal(t, float64(2), snap[CounterConnectedSeeders])
	assert.Equal(t, float64(4), snap[CounterPiecesComplete])

	for _, name := range stats.DefaultCounters {
		assert.Contains(t, snap, name)
	}
}

func TestSnapshot_NoDHT(t *testing.T) {
	f := &fakeClient{readings: []reading{{
		Torrents: []torrentCounters{tc("a", 0, 0, torrent.TorrentGauges{})},
	}}}

	snap, err := newTestSource(f).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(0), snap["dht_torrents"])
	assert.Equal(t, float64(0), snap["dht_nodes"])
}

func TestSnapshot_DerivesRates(t *testing.T) {
	f := &fakeClient{readings: []reading{
		{Torrents: []torrentCounters{tc("a", 1000, 4000, torrent.TorrentGauges{})}},
		{Torrents: []torrentCounters{tc("a", 3000, 5000, torrent.TorrentGauges{})}},
	}}

	src := newTestSource(f)

	_, err := src.Snapshot(context.Background())
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Second)

	snap, err := src.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1000), snap["upload_rate"])
	assert.Equal(t, float64(500), snap["download_rate"])
}

func TestSessionTotals_SurviveDroppedTorrents(t *testing.T) {
	f := &fakeClient{readings: []reading{
		{Torrents: []torrentCounters{
			tc("a", 100, 200, torrent.TorrentGauges{}),
			tc("b", 10, 20, torrent.TorrentGauges{}),
		}},
		{Torrents: []torrentCounters{
			tc("b", 30, 40, torrent.TorrentGauges{}),
		}},
	}}

	src := newTestSource(f)

	totals, err := src.SessionTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(110), totals.Upload)

	totals, err = src.SessionTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(130), totals.Upload)
	assert.Equal(t, int64(240), totals.Download)

	// Unchanged reading, totals stay put.
	totals, err = src.SessionTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(130), totals.Upload)
}

func TestSessionTotals_NeverDecrease(t *testing.T) {
	f := &fakeClient{readings: []reading{
		{Torrents: []torrentCounters{tc("a", 100, 100, torrent.TorrentGauges{})}},
		{Torrents: []torrentCounters{tc("a", 40, 100, torrent.TorrentGauges{})}},
	}}

	src := newTestSource(f)

	_, err := src.SessionTotals(context.Background())
	require.NoError(t, err)

	totals, err := src.SessionTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals.Upload)
}

func TestSource_Errors(t *testing.T) {
	f := &fakeClient{err: errors.New("boom")}
	src := newTestSource(f)

	_, err := src.Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	f.err = nil
	f.readings = []reading{{}}
	src.Close()

	_, err = src.SessionTotals(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = newTestSource(f).Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateMeter(t *testing.T) {
	var m rateMeter

	start := time.Unix(0, 0)

	assert.Equal(t, float64(0), m.Observe(100, start))
	assert.Equal(t, float64(50), m.Observe(200, start.Add(2*time.Second)))
	assert.Equal(t, float64(0), m.Observe(300, start.Add(2*time.Second)))
	assert.Equal(t, float64(0), m.Observe(10, start.Add(3*time.Second)))
	assert.Equal(t, float64(90), m.Observe(100, start.Add(4*time.Second)))
}

func TestTorrentConfig_Validate(t *testing.T) {
	cfg := TorrentConfig{ListenPort: 42069}
	assert.NoError(t, cfg.Validate())

	cfg.ListenPort = 70000
	assert.Error(t, cfg.Validate())
}
