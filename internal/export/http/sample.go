package http

import (
	"time"

	"github.com/ethpandaops/torrentstats/internal/stats"
)

// Sample is the NDJSON schema of an exported sample.
type Sample struct {
	Time       string  `json:"time"`
	Instance   string  `json:"instance,omitempty"`
	Resolution int     `json:"resolution"`
	Counter    string  `json:"counter"`
	Value      float64 `json:"value"`
}

// Samples converts the samples of one tick that pass the resolution
// filter, tagging each with the configured instance.
func (c *Config) Samples(samples []stats.Sample) []*Sample {
	out := make([]*Sample, 0, len(samples))

	for _, s := range samples {
		if !c.Exports(s.Resolution) {
			continue
		}

		out = append(out, &Sample{
			Time:       s.Time.UTC().Format(time.RFC3339Nano),
			Instance:   c.Instance,
			Resolution: int(s.Resolution),
			Counter:    s.Counter,
			Value:      s.Value,
		})
	}

	return out
}
