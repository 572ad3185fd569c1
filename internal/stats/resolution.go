package stats

import (
	"fmt"
	"strconv"
)

// Resolution is a sampling granularity expressed in base ticks per
// sample. The base resolution is always 1.
type Resolution int

// DefaultResolutions is the reference aggregation chain.
var DefaultResolutions = []Resolution{1, 5, 30, 300}

// String returns the decimal form used as a persistence key.
func (r Resolution) String() string {
	return strconv.Itoa(int(r))
}

// ParseResolution parses the decimal form produced by String.
func ParseResolution(s string) (Resolution, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing resolution %q: %w", s, err)
	}

	return Resolution(n), nil
}

// link is one step of the aggregation chain: every Threshold base ticks
// Resolution gains the mean of the newest Multiplier samples of Base.
type link struct {
	Resolution Resolution
	Base       Resolution
	Multiplier int
	Threshold  int
}

// ValidateResolutions checks that rs forms a strict aggregation chain.
func ValidateResolutions(rs []Resolution) error {
	_, err := buildChain(rs)

	return err
}

func buildChain(rs []Resolution) ([]link, error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("at least one resolution is required")
	}

	if rs[0] != 1 {
		return nil, fmt.Errorf("base resolution must be 1, got %d", rs[0])
	}

	chain := make([]link, 0, len(rs))
	chain = append(chain, link{Resolution: 1, Multiplier: 1, Threshold: 1})

	for i := 1; i < len(rs); i++ {
		base, r := rs[i-1], rs[i]

		if r <= base {
			return nil, fmt.Errorf(
				"resolutions must be strictly ascending: %d after %d", r, base,
			)
		}

		if r%base != 0 {
			return nil, fmt.Errorf(
				"resolution %d is not a multiple of %d", r, base,
			)
		}

		chain = append(chain, link{
			Resolution: r,
			Base:       base,
			Multiplier: int(r / base),
			Threshold:  int(r),
		})
	}

	return chain, nil
}
