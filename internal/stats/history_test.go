package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistory_PushNewestFirst(t *testing.T) {
	h := NewHistory(3)

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, []float64{}, h.Values())

	h.Push(1)
	h.Push(2)
	assert.Equal(t, []float64{2, 1}, h.Values())

	h.Push(3)
	h.Push(4)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 3, h.Cap())
	assert.Equal(t, []float64{4, 3, 2}, h.Values())
}

func TestHistory_Recent(t *testing.T) {
	h := NewHistory(5)
	for i := 1; i <= 4; i++ {
		h.Push(float64(i))
	}

	assert.Equal(t, []float64{4, 3}, h.Recent(2))
	assert.Equal(t, []float64{4, 3, 2, 1}, h.Recent(10))
	assert.Equal(t, []float64{}, h.Recent(0))
	assert.Equal(t, []float64{}, h.Recent(-1))
}

func TestHistory_MinimumCapacity(t *testing.T) {
	h := NewHistory(0)

	h.Push(1)
	h.Push(2)

	assert.Equal(t, 1, h.Cap())
	assert.Equal(t, []float64{2}, h.Values())
}

func TestHistory_Resize(t *testing.T) {
	h := NewHistory(4)
	for i := 1; i <= 4; i++ {
		h.Push(float64(i))
	}

	h.Resize(2)
	assert.Equal(t, []float64{4, 3}, h.Values())

	h.Resize(5)
	assert.Equal(t, []float64{4, 3}, h.Values())

	h.Push(5)
	assert.Equal(t, []float64{5, 4, 3}, h.Values())
	assert.Equal(t, 5, h.Cap())
}

func TestHistory_Seed(t *testing.T) {
	h := NewHistory(3)
	h.seed([]float64{9, 8, 7})

	assert.Equal(t, []float64{9, 8, 7}, h.Values())

	h.Push(10)
	assert.Equal(t, []float64{10, 9, 8}, h.Values())
}

func TestMean(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "empty", values: nil, want: 0},
		{name: "single", values: []float64{7}, want: 7},
		{name: "fractional", values: []float64{1, 2}, want: 1.5},
		{name: "five", values: []float64{50, 40, 30, 20, 10}, want: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Mean(tt.values), 1e-9)
		})
	}
}
