package numerical

import (
	"math"
	"slices"
	"testing"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{"odd", []float64{3, 1, 2}, 2},
		{"even", []float64{4, 1, 3, 2}, 2.5},
		{"single", []float64{7}, 7},
		{"nan skipped", []float64{math.NaN(), 1, 2, 3}, 2},
		{"nan skipped even", []float64{4, math.NaN(), 1, math.NaN(), 3, 2}, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := slices.Clone(tt.x)
			if got := Median(tt.x); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			same := slices.EqualFunc(in, tt.x, func(a, b float64) bool {
				return a == b || (math.IsNaN(a) && math.IsNaN(b))
			})
			if !same {
				t.Errorf("Median modified its input: %v", tt.x)
			}
		})
	}

	if !math.IsNaN(Median(nil)) {
		t.Error("Expected NaN median of an empty slice")
	}
	if !math.IsNaN(Median([]float64{math.NaN(), math.NaN()})) {
		t.Error("Expected NaN median without values")
	}
}

func TestReduce_SkipsNaN(t *testing.T) {
	x := []float64{math.NaN(), 1, 2, 6}
	if got := Reduce(x, MethodMean); got != 3 {
		t.Errorf("Expected mean 3, got %v", got)
	}
	if got := Reduce(x, MethodMedian); got != 2 {
		t.Errorf("Expected median 2, got %v", got)
	}
	if got := Reduce([]float64{math.NaN()}, MethodMean); !math.IsNaN(got) {
		t.Errorf("Expected NaN mean without values, got %v", got)
	}
}

func TestReduce(t *testing.T) {
	x := []float64{1, 2, 3, 10}
	if got := Reduce(x, MethodMean); got != 4 {
		t.Errorf("Expected mean 4, got %v", got)
	}
	if got := Reduce(x, MethodMedian); got != 2.5 {
		t.Errorf("Expected median 2.5, got %v", got)
	}
}

func TestPercentile(t *testing.T) {
	x := []float64{5, math.NaN(), 1, 4, 2, 3, math.Inf(1)}

	tests := []struct {
		p, want float64
	}{
		{0, 1},
		{50, 3},
		{100, 5},
		{25, 2},
		{90, 4.6},
	}
	for _, tt := range tests {
		if got := Percentile(x, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile %v: expected %v, got %v", tt.p, tt.want, got)
		}
	}

	if !math.IsNaN(Percentile([]float64{math.NaN()}, 50)) {
		t.Error("Expected NaN percentile without finite values")
	}
}

func TestEqualCountEdges(t *testing.T) {
	tests := []struct {
		n, bins int
		want    []int
	}{
		{10, 5, []int{0, 2, 4, 6, 8, 10}},
		{10, 3, []int{0, 3, 6, 10}},
		{7, 7, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{5, 1, []int{0, 5}},
	}
	for _, tt := range tests {
		if got := EqualCountEdges(tt.n, tt.bins); !slices.Equal(got, tt.want) {
			t.Errorf("EqualCountEdges(%d, %d): expected %v, got %v", tt.n, tt.bins, tt.want, got)
		}
	}
}

func TestRebin(t *testing.T) {
	got := Rebin([]float64{1, 2, 3, 4, 5, 6}, 3)
	if want := []float64{1.5, 3.5, 5.5}; !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got = Rebin([]float64{1, 2, 3, 4, 5, 6, 7}, 2)
	if want := []float64{2, 5.5}; !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
