package pruner

import (
	"math"
	"slices"
)

// NanMin returns the smallest non-NaN value. It is NaN only when xs is
// empty or every element is NaN.
func NanMin(xs []float64) float64 {
	return nanFold(xs, func(a, b float64) bool { return a < b })
}

// NanMax returns the largest non-NaN value. It is NaN only when xs is
// empty or every element is NaN.
func NanMax(xs []float64) float64 {
	return nanFold(xs, func(a, b float64) bool { return a > b })
}

func nanFold(xs []float64, better func(a, b float64) bool) float64 {
	acc := math.NaN()
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(acc) || better(x, acc) {
			acc = x
		}
	}
	return acc
}

// NanPercentile returns the q-th percentile (0 <= q <= 100) of the
// non-NaN values in xs, interpolating linearly between order statistics.
// It is NaN when no non-NaN value exists.
func NanPercentile(xs []float64, q float64) float64 {
	vals := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			vals = append(vals, x)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	slices.Sort(vals)

	rank := q / 100 * float64(len(vals)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return vals[lo]
	}
	frac := rank - float64(lo)
	return vals[lo] + (vals[hi]-vals[lo])*frac
}
