package spectrum

import (
	"fmt"
	"math"
	"slices"

	"github.com/AlanLoh/nenupy-tf/internal/numerical"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ConcatFreq joins dynamic spectra covering disjoint frequency ranges of the
// same time axis. Parts are ordered by ascending frequency whatever the
// argument order.
func ConcatFreq(parts ...*SpecData) (*SpecData, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInconsistentSelection)
	}
	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b *SpecData) int { return compareFirst(a.Freq, b.Freq) })

	ref := sorted[0]
	nf := len(ref.Freq)
	for i, p := range sorted[1:] {
		prev := sorted[i]
		switch {
		case p.Kind != ref.Kind:
			return nil, fmt.Errorf("%w: stokes %s and %s", ErrInconsistentSelection, ref.Kind, p.Kind)
		case !sameAxis(ref.Time, p.Time):
			return nil, fmt.Errorf("%w: time axes differ", ErrInconsistentSelection)
		case p.Freq[0] <= prev.Freq[len(prev.Freq)-1]:
			return nil, fmt.Errorf("%w: frequency ranges overlap at %.6f MHz", ErrInconsistentSelection, p.Freq[0])
		}
		nf += len(p.Freq)
	}

	nt := len(ref.Time)
	data := mat.NewDense(nt, nf, nil)
	freqs := make([]float64, 0, nf)
	col := 0
	for _, p := range sorted {
		_, c := p.Data.Dims()
		data.Slice(0, nt, col, col+c).(*mat.Dense).Copy(p.Data)
		freqs = append(freqs, p.Freq...)
		col += c
	}
	return New(data, slices.Clone(ref.Time), freqs, ref.Kind)
}

// ConcatTime joins dynamic spectra covering disjoint time ranges of the same
// frequency axis, ordered by ascending time.
func ConcatTime(parts ...*SpecData) (*SpecData, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInconsistentSelection)
	}
	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b *SpecData) int { return compareFirst(a.Time, b.Time) })

	ref := sorted[0]
	nt := len(ref.Time)
	for i, p := range sorted[1:] {
		prev := sorted[i]
		switch {
		case p.Kind != ref.Kind:
			return nil, fmt.Errorf("%w: stokes %s and %s", ErrInconsistentSelection, ref.Kind, p.Kind)
		case !sameAxis(ref.Freq, p.Freq):
			return nil, fmt.Errorf("%w: frequency axes differ", ErrInconsistentSelection)
		case p.Time[0] <= prev.Time[len(prev.Time)-1]:
			return nil, fmt.Errorf("%w: time ranges overlap", ErrInconsistentSelection)
		}
		nt += len(p.Time)
	}

	nf := len(ref.Freq)
	data := mat.NewDense(nt, nf, nil)
	times := make([]float64, 0, nt)
	row := 0
	for _, p := range sorted {
		r, _ := p.Data.Dims()
		data.Slice(row, row+r, 0, nf).(*mat.Dense).Copy(p.Data)
		times = append(times, p.Time...)
		row += r
	}
	return New(data, times, slices.Clone(ref.Freq), ref.Kind)
}

func compareFirst(a, b []float64) int {
	switch {
	case a[0] < b[0]:
		return -1
	case a[0] > b[0]:
		return 1
	}
	return 0
}

func sameAxis(a, b []float64) bool {
	return len(a) == len(b) && floats.EqualApprox(a, b, axisTolerance)
}

func (s *SpecData) conform(o *SpecData) error {
	switch {
	case s.Kind != o.Kind:
		return fmt.Errorf("%w: stokes %s and %s", ErrInconsistentSelection, s.Kind, o.Kind)
	case len(s.Time) != len(o.Time) || len(s.Freq) != len(o.Freq):
		return fmt.Errorf("%w: shapes %dx%d and %dx%d", ErrInconsistentSelection,
			len(s.Time), len(s.Freq), len(o.Time), len(o.Freq))
	case !sameAxis(s.Time, o.Time):
		return fmt.Errorf("%w: time axes differ", ErrInconsistentSelection)
	case !sameAxis(s.Freq, o.Freq):
		return fmt.Errorf("%w: frequency axes differ", ErrInconsistentSelection)
	}
	return nil
}

func (s *SpecData) derive(data *mat.Dense) *SpecData {
	return &SpecData{Data: data, Time: slices.Clone(s.Time), Freq: slices.Clone(s.Freq), Kind: s.Kind}
}

func (s *SpecData) combine(o *SpecData, op func(dst *mat.Dense, a, b mat.Matrix)) (*SpecData, error) {
	if err := s.conform(o); err != nil {
		return nil, err
	}
	var d mat.Dense
	op(&d, s.Data, o.Data)
	return s.derive(&d), nil
}

// Add returns s + o element-wise.
func (s *SpecData) Add(o *SpecData) (*SpecData, error) {
	return s.combine(o, func(d *mat.Dense, a, b mat.Matrix) { d.Add(a, b) })
}

// Sub returns s - o element-wise.
func (s *SpecData) Sub(o *SpecData) (*SpecData, error) {
	return s.combine(o, func(d *mat.Dense, a, b mat.Matrix) { d.Sub(a, b) })
}

// Mul returns s * o element-wise.
func (s *SpecData) Mul(o *SpecData) (*SpecData, error) {
	return s.combine(o, func(d *mat.Dense, a, b mat.Matrix) { d.MulElem(a, b) })
}

// Div returns s / o element-wise.
func (s *SpecData) Div(o *SpecData) (*SpecData, error) {
	return s.combine(o, func(d *mat.Dense, a, b mat.Matrix) { d.DivElem(a, b) })
}

func (s *SpecData) applyScalar(fn func(float64) float64) *SpecData {
	var d mat.Dense
	d.Apply(func(_, _ int, v float64) float64 { return fn(v) }, s.Data)
	return s.derive(&d)
}

func (s *SpecData) AddScalar(x float64) *SpecData {
	return s.applyScalar(func(v float64) float64 { return v + x })
}

func (s *SpecData) SubScalar(x float64) *SpecData {
	return s.applyScalar(func(v float64) float64 { return v - x })
}

func (s *SpecData) MulScalar(x float64) *SpecData {
	var d mat.Dense
	d.Scale(x, s.Data)
	return s.derive(&d)
}

func (s *SpecData) DivScalar(x float64) *SpecData {
	return s.applyScalar(func(v float64) float64 { return v / x })
}

// Amp returns a copy of the linear amplitudes.
func (s *SpecData) Amp() *mat.Dense {
	return mat.DenseCopyOf(s.Data)
}

// DB returns the amplitudes in decibels, 10*log10(amp).
func (s *SpecData) DB() *mat.Dense {
	var d mat.Dense
	d.Apply(func(_, _ int, v float64) float64 { return 10 * math.Log10(v) }, s.Data)
	return &d
}

// TimeMean collapses the time axis to one sample stamped at the middle of
// the time range.
func (s *SpecData) TimeMean(method numerical.Method) *SpecData {
	nt, nf := s.Shape()
	col := make([]float64, nt)
	avg := make([]float64, nf)
	for j := range avg {
		mat.Col(col, j, s.Data)
		avg[j] = numerical.Reduce(col, method)
	}
	t0, t1 := s.TimeRange()
	return &SpecData{
		Data: mat.NewDense(1, nf, avg),
		Time: []float64{t0 + (t1-t0)/2},
		Freq: slices.Clone(s.Freq),
		Kind: s.Kind,
	}
}

// FreqMean collapses the frequency axis to one bin at the mean frequency.
func (s *SpecData) FreqMean(method numerical.Method) *SpecData {
	nt, _ := s.Shape()
	avg := make([]float64, nt)
	for i := range avg {
		avg[i] = numerical.Reduce(s.Data.RawRowView(i), method)
	}
	return &SpecData{
		Data: mat.NewDense(nt, 1, avg),
		Time: slices.Clone(s.Time),
		Freq: []float64{stat.Mean(s.Freq, nil)},
		Kind: s.Kind,
	}
}

// FreqRebin averages the frequency axis down to bins equal-count slices.
func (s *SpecData) FreqRebin(bins int) (*SpecData, error) {
	nt, nf := s.Shape()
	if bins < 1 || bins > nf {
		return nil, fmt.Errorf("%w: cannot rebin %d bins into %d", ErrShape, nf, bins)
	}
	data := mat.NewDense(nt, bins, nil)
	for i := 0; i < nt; i++ {
		data.SetRow(i, numerical.Rebin(s.Data.RawRowView(i), bins))
	}
	return New(data, slices.Clone(s.Time), numerical.Rebin(s.Freq, bins), s.Kind)
}

// Background models the slowly varying part of the data as the outer product
// of the median time profile and the median spectrum.
func (s *SpecData) Background() *SpecData {
	profile := s.FreqMean(numerical.MethodMedian)
	spectrum := s.TimeMean(numerical.MethodMedian)
	var d mat.Dense
	d.Mul(profile.Data, spectrum.Data)
	return s.derive(&d)
}

// RemoveBackground subtracts Background from the data.
func (s *SpecData) RemoveBackground() (*SpecData, error) {
	return s.Sub(s.Background())
}

// MedianFilter removes spikes with a kernel x kernel median filter, zero
// padded at the edges. A single-bin spectrum is filtered along time only.
// NaN cells stay NaN and are left out of their neighbours' windows.
func (s *SpecData) MedianFilter(kernel int) (*SpecData, error) {
	if kernel < 1 || kernel%2 == 0 {
		return nil, fmt.Errorf("%w: median filter kernel %d must be odd", ErrShape, kernel)
	}
	nt, nf := s.Shape()
	kt, kf := kernel/2, kernel/2
	if nf == 1 {
		kf = 0
	}

	window := make([]float64, 0, (2*kt+1)*(2*kf+1))
	var d mat.Dense
	d.Apply(func(i, j int, v float64) float64 {
		if math.IsNaN(v) {
			return v
		}
		window = window[:0]
		for ii := i - kt; ii <= i+kt; ii++ {
			for jj := j - kf; jj <= j+kf; jj++ {
				if ii < 0 || ii >= nt || jj < 0 || jj >= nf {
					window = append(window, 0)
					continue
				}
				window = append(window, s.Data.At(ii, jj))
			}
		}
		return numerical.Median(window)
	}, s.Data)
	return s.derive(&d), nil
}
