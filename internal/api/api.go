// Package api exposes the stats queries over HTTP/JSON and streams newly
// emitted samples to websocket clients.
package api

import (
	"context"
	"errors"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

// ErrInvalidInput marks a request the backend rejected as malformed.
var ErrInvalidInput = errors.New("invalid input")

// Backend answers the exposed queries.
type Backend interface {
	// GetStats returns the history of keys at interval. Unknown keys
	// are omitted; no keys yields the metadata alone.
	GetStats(keys []string, interval stats.Resolution) (stats.Result, error)
	// Counters returns the tracked counter names.
	Counters() []string
	// GetTotals returns persisted plus session transfer totals.
	GetTotals(ctx context.Context) (stats.Totals, error)
	// GetSessionTotals returns the totals of the current session.
	GetSessionTotals(ctx context.Context) (stats.Totals, error)
	// GetConfig returns the user settings.
	GetConfig() map[string]any
	// SetConfig merges partial into the user settings and applies them.
	SetConfig(ctx context.Context, partial map[string]any) error
	// GetIntervals returns the tracked resolutions, ascending.
	GetIntervals() []stats.Resolution
}

// Config configures the API server.
type Config struct {
	// Addr is the listen address. Defaults to ":8112".
	Addr string `yaml:"addr"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8112"
	}
}
