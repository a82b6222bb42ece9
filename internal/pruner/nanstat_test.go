package pruner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNanMinMax(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		in       []float64
		min, max float64
	}{
		{[]float64{3, 1, 2}, 1, 3},
		{[]float64{nan, 4, nan, -2}, -2, 4},
		{[]float64{nan, 5}, 5, 5},
		{[]float64{math.Inf(-1), 0}, math.Inf(-1), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.min, NanMin(tt.in), "NanMin(%v)", tt.in)
		assert.Equal(t, tt.max, NanMax(tt.in), "NanMax(%v)", tt.in)
	}

	assert.True(t, math.IsNaN(NanMin([]float64{nan, nan})))
	assert.True(t, math.IsNaN(NanMax([]float64{nan})))
	assert.True(t, math.IsNaN(NanMin(nil)))
}

func TestNanPercentile(t *testing.T) {
	tests := []struct {
		in   []float64
		q    float64
		want float64
	}{
		{[]float64{10, 20}, 25, 12.5},
		{[]float64{20, 10}, 75, 17.5},
		{[]float64{1, 2, 3, 4}, 50, 2.5},
		{[]float64{1, 2, 3, 4}, 0, 1},
		{[]float64{1, 2, 3, 4}, 100, 4},
		{[]float64{7}, 33, 7},
		{[]float64{math.NaN(), 1, 3}, 50, 2},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NanPercentile(tt.in, tt.q), 1e-12, "NanPercentile(%v, %v)", tt.in, tt.q)
	}

	assert.True(t, math.IsNaN(NanPercentile(nil, 50)))
	assert.True(t, math.IsNaN(NanPercentile([]float64{math.NaN()}, 50)))
}
