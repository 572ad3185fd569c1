package source

import "time"

// rateMeter derives a per-second rate from a monotonically growing byte
// count.
type rateMeter struct {
	last  int64
	at    time.Time
	valid bool
}

// Observe records total at now and returns the rate since the previous
// observation. The first observation, or one without elapsed time,
// yields 0.
func (m *rateMeter) Observe(total int64, now time.Time) float64 {
	defer func() {
		m.last = total
		m.at = now
		m.valid = true
	}()

	if !m.valid {
		return 0
	}

	elapsed := now.Sub(m.at).Seconds()
	if elapsed <= 0 || total < m.last {
		return 0
	}

	return float64(total-m.last) / elapsed
}
