package app

import (
	"math"

	"github.com/AlanLoh/nenupy-tf/internal/numerical"
	"gonum.org/v1/gonum/mat"
)

const (
	lowerPercentile = 5.0
	upperPercentile = 95.0
)

// ValueBounds represents the amplitude range spread over the color ramp
type ValueBounds struct {
	Min float64 // 5th percentile
	Max float64 // 95th percentile
}

// PercentileBounds returns the 5th and 95th percentiles of the finite values
// of m. A flat or empty matrix gets a unit wide range so that colors stay defined.
func PercentileBounds(m mat.Matrix) ValueBounds {
	r, c := m.Dims()
	values := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			values = append(values, m.At(i, j))
		}
	}

	b := ValueBounds{
		Min: numerical.Percentile(values, lowerPercentile),
		Max: numerical.Percentile(values, upperPercentile),
	}
	switch {
	case math.IsNaN(b.Min):
		return ValueBounds{Min: 0, Max: 1}
	case b.Max <= b.Min:
		return ValueBounds{Min: b.Min - 0.5, Max: b.Min + 0.5}
	}
	return b
}
