// Package source adapts a live BitTorrent client into the status source
// sampled by the stats aggregator.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

// Counter names reported in every snapshot, beyond the default counters.
const (
	CounterNumTorrents      = "num_torrents"
	CounterActivePeers      = "active_peers"
	CounterPendingPeers     = "pending_peers"
	CounterHalfOpenPeers    = "half_open_peers"
	CounterConnectedSeeders = "connected_seeders"
	CounterPiecesComplete   = "pieces_complete"
)

// Client is the part of *torrent.Client the source reads.
type Client interface {
	Torrents() []*torrent.Torrent
	DhtServers() []torrent.DhtServer
}

// torrentCounters is the per-torrent state read on one snapshot.
type torrentCounters struct {
	InfoHash string
	Totals   stats.Totals
	Gauges   torrent.TorrentGauges
}

// dhtCounters is the node table state of one DHT server.
type dhtCounters struct {
	GoodNodes int
	Nodes     int
}

// reading is everything collected from the client for one snapshot.
type reading struct {
	Torrents []torrentCounters
	DHT      []dhtCounters
}

type collectFunc func() (reading, error)

// TorrentSource reports counters and session transfer totals of a
// torrent client. Session totals never decrease: bytes moved by torrents
// that are later dropped stay counted.
type TorrentSource struct {
	log     logrus.FieldLogger
	collect collectFunc
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	live    map[string]stats.Totals
	retired stats.Totals
	session stats.Totals
	upload  rateMeter
	down    rateMeter
}

var _ stats.Source = (*TorrentSource)(nil)

// NewTorrentSource creates a source reading client.
func NewTorrentSource(log logrus.FieldLogger, client Client) *TorrentSource {
	return newTorrentSource(log, func() (reading, error) {
		return read(client), nil
	}, time.Now)
}

func newTorrentSource(
	log logrus.FieldLogger,
	collect collectFunc,
	now func() time.Time,
) *TorrentSource {
	return &TorrentSource{
		log:     log.WithField("component", "source"),
		collect: collect,
		now:     now,
		live:    make(map[string]stats.Totals, 16),
	}
}

// Close marks the source unavailable. Later reads fail.
func (s *TorrentSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// Snapshot reports the default counters plus transfer totals and peer
// gauges summed over all torrents.
func (s *TorrentSource) Snapshot(ctx context.Context) (stats.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := s.read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.update(r)
	now := s.now()

	var g torrent.TorrentGauges
	for _, t := range r.Torrents {
		g.TotalPeers += t.Gauges.TotalPeers
		g.PendingPeers += t.Gauges.PendingPeers
		g.ActivePeers += t.Gauges.ActivePeers
		g.ConnectedSeeders += t.Gauges.ConnectedSeeders
		g.HalfOpenPeers += t.Gauges.HalfOpenPeers
		g.PiecesComplete += t.Gauges.PiecesComplete
	}

	var good, nodes int
	for _, d := range r.DHT {
		good += d.GoodNodes
		nodes += d.Nodes
	}

	dhtTorrents := 0
	if len(r.DHT) > 0 {
		dhtTorrents = len(r.Torrents)
	}

	return stats.Snapshot{
		"upload_rate":     s.upload.Observe(session.Upload, now),
		"download_rate":   s.down.Observe(session.Download, now),
		"num_connections": float64(g.ActivePeers + g.HalfOpenPeers),
		"num_peers":       float64(g.ActivePeers),
		"dht_nodes":       float64(good),
		"dht_cache_nodes": float64(nodes - good),
		"dht_torrents":    float64(dhtTorrents),

		stats.KeyTotalUpload:          float64(session.Upload),
		stats.KeyTotalDownload:        float64(session.Download),
		stats.KeyTotalPayloadUpload:   float64(session.PayloadUpload),
		stats.KeyTotalPayloadDownload: float64(session.PayloadDownload),

		CounterNumTorrents:      float64(len(r.Torrents)),
		CounterActivePeers:      float64(g.ActivePeers),
		CounterPendingPeers:     float64(g.PendingPeers),
		CounterHalfOpenPeers:    float64(g.HalfOpenPeers),
		CounterConnectedSeeders: float64(g.ConnectedSeeders),
		CounterPiecesComplete:   float64(g.PiecesComplete),
	}, nil
}

// SessionTotals returns the bytes transferred since the client started.
func (s *TorrentSource) SessionTotals(ctx context.Context) (stats.Totals, error) {
	if err := ctx.Err(); err != nil {
		return stats.Totals{}, err
	}

	r, err := s.read()
	if err != nil {
		return stats.Totals{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.update(r), nil
}

func (s *TorrentSource) read() (reading, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return reading{}, fmt.Errorf("torrent client closed")
	}

	r, err := s.collect()
	if err != nil {
		return reading{}, fmt.Errorf("reading torrent client: %w", err)
	}

	return r, nil
}

// update folds r into the session totals. Callers hold mu.
func (s *TorrentSource) update(r reading) stats.Totals {
	seen := make(map[string]struct{}, len(r.Torrents))
	current := s.retired

	for _, t := range r.Torrents {
		seen[t.InfoHash] = struct{}{}
		s.live[t.InfoHash] = t.Totals
		current = current.Add(t.Totals)
	}

	for hash, t := range s.live {
		if _, ok := seen[hash]; ok {
			continue
		}

		s.log.WithField("infohash", hash).Debug("Torrent dropped, retiring its totals")

		s.retired = s.retired.Add(t)
		current = current.Add(t)
		delete(s.live, hash)
	}

	s.session = maxTotals(s.session, current)

	return s.session
}

func maxTotals(a, b stats.Totals) stats.Totals {
	return stats.Totals{
		Upload:          max(a.Upload, b.Upload),
		Download:        max(a.Download, b.Download),
		PayloadUpload:   max(a.PayloadUpload, b.PayloadUpload),
		PayloadDownload: max(a.PayloadDownload, b.PayloadDownload),
	}
}

func read(client Client) reading {
	torrents := client.Torrents()
	servers := client.DhtServers()

	r := reading{
		Torrents: make([]torrentCounters, 0, len(torrents)),
		DHT:      make([]dhtCounters, 0, len(servers)),
	}

	for _, t := range torrents {
		ts := t.Stats()

		r.Torrents = append(r.Torrents, torrentCounters{
			InfoHash: t.InfoHash().HexString(),
			Totals: stats.Totals{
				Upload:          ts.BytesWritten.Int64(),
				Download:        ts.BytesRead.Int64(),
				PayloadUpload:   ts.BytesWrittenData.Int64(),
				PayloadDownload: ts.BytesReadData.Int64(),
			},
			Gauges: ts.TorrentGauges,
		})
	}

	for _, srv := range servers {
		if ss, ok := srv.Stats().(dht.ServerStats); ok {
			r.DHT = append(r.DHT, dhtCounters{
				GoodNodes: ss.GoodNodes,
				Nodes:     ss.Nodes,
			})
		}
	}

	return r
}
