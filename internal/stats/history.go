package stats

// History is a bounded sample sequence for one (resolution, counter)
// pair. It is backed by a fixed-capacity ring; reads return samples
// newest-first.
type History struct {
	buf  []float64
	next int // slot the next Push writes to
	size int
}

// NewHistory creates an empty History holding at most capacity samples.
// A capacity below 1 is treated as 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}

	return &History{
		buf: make([]float64, capacity),
	}
}

// Push inserts v as the newest sample, dropping the oldest one when the
// buffer is full.
func (h *History) Push(v float64) {
	h.buf[h.next] = v
	h.next = (h.next + 1) % len(h.buf)

	if h.size < len(h.buf) {
		h.size++
	}
}

// Len returns the number of samples held.
func (h *History) Len() int { return h.size }

// Cap returns the maximum number of samples held.
func (h *History) Cap() int { return len(h.buf) }

// Recent returns up to n of the newest samples, newest-first.
func (h *History) Recent(n int) []float64 {
	if n > h.size {
		n = h.size
	}

	if n <= 0 {
		return []float64{}
	}

	out := make([]float64, n)
	c := len(h.buf)

	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.next-1-i+c)%c]
	}

	return out
}

// Values returns every sample held, newest-first.
func (h *History) Values() []float64 {
	return h.Recent(h.size)
}

// Resize changes the capacity, keeping the newest samples that still fit.
func (h *History) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}

	if capacity == len(h.buf) {
		return
	}

	kept := h.Recent(capacity)

	h.buf = make([]float64, capacity)
	h.next = 0
	h.size = 0

	h.seed(kept)
}

// seed pushes newest-first values so that values[0] ends up newest.
func (h *History) seed(values []float64) {
	for i := len(values) - 1; i >= 0; i-- {
		h.Push(values[i])
	}
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}
