package spectrum

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AlanLoh/nenupy-tf/internal/stokes"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape is returned when data and axes do not agree.
	ErrShape = errors.New("inconsistent dynamic spectrum shape")

	// ErrInconsistentSelection is returned when two dynamic spectra cannot be combined.
	ErrInconsistentSelection = errors.New("inconsistent selection")
)

// axisTolerance is the absolute tolerance used to compare time (s) and frequency (MHz) axes.
const axisTolerance = 1e-6

// SpecData is a dynamic spectrum: a [time][frequency] array of one
// observable together with its axes. Operations never modify their
// receiver; they return new values.
type SpecData struct {
	Data *mat.Dense  // rows are time samples, columns frequency bins
	Time []float64   // Unix seconds, len == rows
	Freq []float64   // MHz, len == columns
	Kind stokes.Kind // observable held in Data
}

// New builds a SpecData after checking that the axes match the data.
func New(data *mat.Dense, times, freqs []float64, kind stokes.Kind) (*SpecData, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil data", ErrShape)
	}
	r, c := data.Dims()
	if r != len(times) || c != len(freqs) {
		return nil, fmt.Errorf("%w: data is %dx%d, axes are %dx%d", ErrShape, r, c, len(times), len(freqs))
	}
	return &SpecData{Data: data, Time: times, Freq: freqs, Kind: kind}, nil
}

// Shape returns the number of time samples and frequency bins.
func (s *SpecData) Shape() (nt, nf int) {
	return len(s.Time), len(s.Freq)
}

// TimeRange returns the first and last time samples.
func (s *SpecData) TimeRange() (float64, float64) {
	return s.Time[0], s.Time[len(s.Time)-1]
}

// FreqRange returns the first and last frequency bins.
func (s *SpecData) FreqRange() (float64, float64) {
	return s.Freq[0], s.Freq[len(s.Freq)-1]
}

// Start is the first time sample as a time.Time.
func (s *SpecData) Start() time.Time {
	return UnixTime(s.Time[0])
}

// End is the last time sample as a time.Time.
func (s *SpecData) End() time.Time {
	return UnixTime(s.Time[len(s.Time)-1])
}

func (s *SpecData) String() string {
	nt, nf := s.Shape()
	return fmt.Sprintf("SpecData(%s, %dx%d, %s - %s, %.4f - %.4f MHz)", s.Kind, nt, nf,
		s.Start().UTC().Format(time.RFC3339Nano), s.End().UTC().Format(time.RFC3339Nano),
		s.Freq[0], s.Freq[nf-1])
}

// UnixSeconds converts t to fractional Unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// UnixTime converts fractional Unix seconds to a time.Time.
func UnixTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
}
