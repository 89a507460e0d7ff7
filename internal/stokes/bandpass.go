package stokes

import (
	"fmt"
	"math/cmplx"
	"strings"

	"github.com/AlanLoh/nenupy-tf/internal/numerical"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Bandpass selects the polyphase filter response correction. The zero value
// is BandpassKaiser.
type Bandpass int

const (
	// BandpassKaiser multiplies every beamlet by the theoretical filter response.
	BandpassKaiser Bandpass = iota
	// BandpassNone leaves the data untouched.
	BandpassNone
	// BandpassMedian flattens beamlets with the time-median spectrum of the selection.
	// It depends on the selected data and may bias real spectral structure.
	BandpassMedian
	// BandpassFFT removes periodic ripples by notching peaks of the spectral FFT.
	BandpassFFT

	numBandpasses
)

// peakFactor is the height, relative to the median FFT magnitude, of the notched peaks.
const peakFactor = 2.0

var bandpassNames = [numBandpasses]string{
	BandpassKaiser: "kaiser",
	BandpassNone:   "none",
	BandpassMedian: "median",
	BandpassFFT:    "fft",
}

// ParseBandpass parses a correction name, case-insensitively.
func ParseBandpass(s string) (Bandpass, error) {
	for bp, name := range bandpassNames {
		if strings.EqualFold(name, s) {
			return Bandpass(bp), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown bandpass correction %q", ErrConfiguration, s)
}

func (bp Bandpass) String() string {
	if bp < 0 || bp >= numBandpasses {
		return fmt.Sprintf("Bandpass(%d)", int(bp))
	}
	return bandpassNames[bp]
}

func (bp Bandpass) MarshalText() ([]byte, error) {
	if bp < 0 || bp >= numBandpasses {
		return nil, fmt.Errorf("%w: invalid bandpass correction %d", ErrConfiguration, int(bp))
	}
	return []byte(bandpassNames[bp]), nil
}

func (bp *Bandpass) UnmarshalText(text []byte) error {
	parsed, err := ParseBandpass(string(text))
	if err != nil {
		return err
	}
	*bp = parsed
	return nil
}

// Correct applies bp in place to a [time][frequency] matrix made of fftlen-wide beamlets.
func Correct(m *mat.Dense, fftlen int, bp Bandpass) error {
	if fftlen <= 0 || fftlen%2 != 0 {
		return fmt.Errorf("%w: fftlen %d", ErrConfiguration, fftlen)
	}
	if _, c := m.Dims(); c%fftlen != 0 {
		return fmt.Errorf("%w: %d bins is not a multiple of fftlen %d", ErrConfiguration, c, fftlen)
	}
	return bp.apply(m, fftlen)
}

func (bp Bandpass) apply(m *mat.Dense, fftlen int) error {
	switch bp {
	case BandpassNone:
		return nil
	case BandpassKaiser:
		return applyKaiser(m, fftlen)
	case BandpassMedian:
		applyMedian(m, fftlen)
		return nil
	case BandpassFFT:
		applyFFT(m)
		return nil
	}
	return fmt.Errorf("%w: invalid bandpass correction %d", ErrConfiguration, int(bp))
}

func applyKaiser(m *mat.Dense, fftlen int) error {
	curve, err := KaiserCurve(fftlen)
	if err != nil {
		return err
	}

	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for c := 0; c < len(row); c += fftlen {
			floats.Mul(row[c:c+fftlen], curve)
		}
	}
	return nil
}

// applyMedian divides every column by its time median and rescales each
// beamlet to the median of its own spectrum. Columns with a zero median are
// left unchanged.
func applyMedian(m *mat.Dense, fftlen int) {
	rows, cols := m.Dims()

	spectrum := make([]float64, cols)
	col := make([]float64, rows)
	for j := range spectrum {
		mat.Col(col, j, m)
		spectrum[j] = numerical.Median(col)
	}

	broadband := make([]float64, cols/fftlen)
	for c := range broadband {
		broadband[c] = numerical.Median(spectrum[c*fftlen : (c+1)*fftlen])
	}

	raw := m.RawMatrix()
	for i := 0; i < rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j, s := range spectrum {
			if s == 0 {
				continue
			}
			row[j] = row[j] / s * broadband[j/fftlen]
		}
	}
}

// applyFFT transforms every row along frequency, notches the peaks of the
// time-averaged magnitude spectrum and their neighbours, and returns the
// magnitude of the inverse transform.
func applyFFT(m *mat.Dense) {
	rows, n := m.Dims()
	fft := fourier.NewCmplxFFT(n)
	raw := m.RawMatrix()

	coeffs := make([][]complex128, rows)
	seq := make([]complex128, n)
	avg := make([]float64, n)
	for i := 0; i < rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		for j, v := range row {
			seq[j] = complex(v, 0)
		}
		coeffs[i] = fft.Coefficients(nil, seq)
		for j, c := range coeffs[i] {
			avg[j] += cmplx.Abs(c)
		}
	}
	floats.Scale(1/float64(rows), avg)

	var notch []int
	for _, p := range findPeaks(avg, peakFactor*numerical.Median(avg)) {
		notch = append(notch, p, (p+1)%n, (p-1+n)%n)
	}

	scale := 1 / float64(n)
	for i := 0; i < rows; i++ {
		for _, p := range notch {
			coeffs[i][p] = 0
		}
		fft.Sequence(seq, coeffs[i])
		row := raw.Data[i*raw.Stride : i*raw.Stride+n]
		for j, s := range seq {
			row[j] = cmplx.Abs(s) * scale
		}
	}
}

// findPeaks returns the local maxima of x at least height high. Endpoints are
// never peaks and a flat top yields its middle index.
func findPeaks(x []float64, height float64) []int {
	var peaks []int
	for i := 1; i < len(x)-1; i++ {
		if x[i-1] >= x[i] {
			continue
		}
		ahead := i + 1
		for ahead < len(x)-1 && x[ahead] == x[i] {
			ahead++
		}
		if x[ahead] < x[i] {
			if p := (i + ahead - 1) / 2; x[p] >= height {
				peaks = append(peaks, p)
			}
			i = ahead - 1
		}
	}
	return peaks
}
