// Package numerical holds the statistics shared by the decoding and
// reduction code.
package numerical

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Method is the statistic used to collapse an axis.
type Method string

const (
	MethodMean   Method = "mean"
	MethodMedian Method = "median"
)

// Reduce collapses x with method, skipping NaN values. Unknown methods fall
// back to the mean. It is NaN when x holds no value.
func Reduce(x []float64, method Method) float64 {
	if method == MethodMedian {
		return Median(x)
	}
	s := dropNaN(x)
	if len(s) == 0 {
		return math.NaN()
	}
	return stat.Mean(s, nil)
}

// Median of the non-NaN values of x, averaging the two middle values for
// even counts. x is not modified.
func Median(x []float64) float64 {
	s := dropNaN(x)
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// dropNaN returns a copy of x without its NaN values.
func dropNaN(x []float64) []float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			s = append(s, v)
		}
	}
	return s
}

// Percentile returns the p-th percentile (0-100) of x, linearly interpolated
// between closest ranks.
func Percentile(x []float64, p float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	s := make([]float64, 0, n)
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			s = append(s, v)
		}
	}
	if len(s) == 0 {
		return math.NaN()
	}
	sort.Float64s(s)

	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

// EqualCountEdges splits n samples into bins consecutive slices of nearly
// equal size. Edge i is int(i*n/bins), so len(edges) == bins+1, edges[0] == 0
// and edges[bins] == n.
func EqualCountEdges(n, bins int) []int {
	edges := make([]int, bins+1)
	for i := range edges {
		edges[i] = int(float64(i) * float64(n) / float64(bins))
	}
	edges[bins] = n
	return edges
}

// Rebin averages x over the equal-count slices given by EqualCountEdges.
func Rebin(x []float64, bins int) []float64 {
	edges := EqualCountEdges(len(x), bins)
	out := make([]float64, bins)
	for i := range out {
		out[i] = stat.Mean(x[edges[i]:edges[i+1]], nil)
	}
	return out
}
