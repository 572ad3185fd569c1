package source

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
)

// TorrentConfig configures the embedded torrent client.
type TorrentConfig struct {
	// ListenPort is the peer listen port. 0 picks a free port.
	ListenPort int `yaml:"listen_port"`

	// NoDHT disables the DHT servers.
	NoDHT bool `yaml:"no_dht"`

	// Seed keeps uploading completed torrents.
	Seed bool `yaml:"seed"`

	// Magnets are added on start.
	Magnets []string `yaml:"magnets"`

	// TorrentFiles are .torrent paths added on start.
	TorrentFiles []string `yaml:"torrent_files"`
}

// Validate checks the torrent configuration.
func (c *TorrentConfig) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be within 0-65535, got %d", c.ListenPort)
	}

	return nil
}

// NewTorrentClient starts a torrent client storing data under dataDir
// and adds every configured torrent. Downloads begin once metadata
// arrives.
func NewTorrentClient(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg TorrentConfig,
	dataDir string,
) (*torrent.Client, error) {
	log = log.WithField("component", "torrent")

	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = filepath.Join(dataDir, "downloads")
	cc.ListenPort = cfg.ListenPort
	cc.NoDHT = cfg.NoDHT
	cc.Seed = cfg.Seed

	cl, err := torrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("creating torrent client: %w", err)
	}

	added := make([]*torrent.Torrent, 0, len(cfg.Magnets)+len(cfg.TorrentFiles))

	for _, uri := range cfg.Magnets {
		t, err := cl.AddMagnet(uri)
		if err != nil {
			cl.Close()

			return nil, fmt.Errorf("adding magnet %q: %w", uri, err)
		}

		added = append(added, t)
	}

	for _, path := range cfg.TorrentFiles {
		mi, err := metainfo.LoadFromFile(path)
		if err != nil {
			cl.Close()

			return nil, fmt.Errorf("loading %s: %w", path, err)
		}

		t, err := cl.AddTorrent(mi)
		if err != nil {
			cl.Close()

			return nil, fmt.Errorf("adding %s: %w", path, err)
		}

		added = append(added, t)
	}

	for _, t := range added {
		go downloadWhenReady(ctx, log, t)
	}

	log.WithFields(logrus.Fields{
		"torrents": len(added),
		"dht":      !cfg.NoDHT,
		"seed":     cfg.Seed,
	}).Info("Torrent client started")

	return cl, nil
}

func downloadWhenReady(ctx context.Context, log logrus.FieldLogger, t *torrent.Torrent) {
	select {
	case <-ctx.Done():
		return
	case <-t.Closed():
		return
	case <-t.GotInfo():
	}

	log.WithFields(logrus.Fields{
		"name":     t.Name(),
		"infohash": t.InfoHash().HexString(),
	}).Info("Got torrent info, downloading")

	t.DownloadAll()
}
