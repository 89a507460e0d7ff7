// Package stokes reconstructs polarisation observables from the raw
// dual-polarisation FFT products of a lane file and corrects the polyphase
// filter bandpass.
package stokes

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrConfiguration is returned for structurally invalid inputs such as an odd fftlen.
var ErrConfiguration = errors.New("invalid stokes configuration")

// Raw is a block window of the two correlator outputs, laid out as
// [block][channel][sample][bin][2] with the channels of a single beam.
type Raw struct {
	Fft0 []float32
	Fft1 []float32

	Blocks          int
	Channels        int
	SamplesPerBlock int
	FFTLength       int
}

// Times is the number of time samples of the window.
func (r Raw) Times() int {
	return r.Blocks * r.SamplesPerBlock
}

// Bins is the number of frequency bins of the window.
func (r Raw) Bins() int {
	return r.Channels * r.FFTLength
}

func (r Raw) validate() error {
	if r.Blocks <= 0 || r.Channels <= 0 || r.SamplesPerBlock <= 0 || r.FFTLength <= 0 {
		return fmt.Errorf("%w: empty window %dx%dx%dx%d", ErrConfiguration,
			r.Blocks, r.Channels, r.SamplesPerBlock, r.FFTLength)
	}
	if r.FFTLength%2 != 0 {
		return fmt.Errorf("%w: odd fftlen %d", ErrConfiguration, r.FFTLength)
	}
	want := r.Times() * r.Bins() * 2
	if len(r.Fft0) != want || len(r.Fft1) != want {
		return fmt.Errorf("%w: fft0/fft1 hold %d/%d values, want %d", ErrConfiguration, len(r.Fft0), len(r.Fft1), want)
	}
	return nil
}

// Reconstruct converts a raw window to a [time][frequency] matrix of kind:
// blocks and samples are merged into the time axis, channels and bins into
// the frequency axis, each beamlet's halves are swapped back to ascending
// frequency, and the bandpass correction bp is applied.
func Reconstruct(raw Raw, kind Kind, bp Bandpass) (*mat.Dense, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid stokes parameter %d", ErrConfiguration, int(kind))
	}
	if err := raw.validate(); err != nil {
		return nil, err
	}

	nffte, fftlen := raw.SamplesPerBlock, raw.FFTLength
	nt, nf := raw.Times(), raw.Bins()
	data := make([]float64, nt*nf)

	for b := 0; b < raw.Blocks; b++ {
		for k := 0; k < nffte; k++ {
			t := b*nffte + k
			row := data[t*nf : (t+1)*nf]
			for c := 0; c < raw.Channels; c++ {
				src := ((b*raw.Channels+c)*nffte + k) * fftlen * 2
				dst := row[c*fftlen : (c+1)*fftlen]
				for j := range dst {
					i := src + 2*j
					dst[j] = kind.Apply(
						float64(raw.Fft0[i]), float64(raw.Fft0[i+1]),
						float64(raw.Fft1[i]), float64(raw.Fft1[i+1]),
					)
				}
			}
			if err := SwapHalves(row, fftlen); err != nil {
				return nil, err
			}
		}
	}

	m := mat.NewDense(nt, nf, data)
	if err := bp.apply(m, fftlen); err != nil {
		return nil, fmt.Errorf("bandpass %s: %w", bp, err)
	}
	return m, nil
}

// SwapHalves exchanges the two halves of every fftlen-wide beamlet of row in
// place. The backend emits the upper half first; applying it twice is the identity.
func SwapHalves(row []float64, fftlen int) error {
	if fftlen <= 0 || fftlen%2 != 0 {
		return fmt.Errorf("%w: cannot swap halves of fftlen %d", ErrConfiguration, fftlen)
	}
	if len(row)%fftlen != 0 {
		return fmt.Errorf("%w: row of %d bins is not a multiple of fftlen %d", ErrConfiguration, len(row), fftlen)
	}

	half := fftlen / 2
	for c := 0; c < len(row); c += fftlen {
		lo := row[c : c+half]
		hi := row[c+half : c+fftlen]
		for j := range lo {
			lo[j], hi[j] = hi[j], lo[j]
		}
	}
	return nil
}
