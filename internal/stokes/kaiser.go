package stokes

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Polyphase filter bank prototype of the backend: a Kaiser-windowed sinc
// spanning 16 taps of 1024 channels, integer-scaled to a DC gain of 2^25.
const (
	prototypeTaps     = 16
	prototypeChannels = 1024
	prototypeBeta     = 9.0
	prototypeGain     = 1 << 25
)

var prototype = sync.OnceValue(func() []float64 {
	n := prototypeTaps * prototypeChannels
	h := make([]float64, n)
	center := float64(n-1) / 2
	for i := range h {
		h[i] = sinc((float64(i)-center)/prototypeChannels) * kaiserAt(float64(i)/float64(n-1), prototypeBeta)
	}
	floats.Scale(prototypeGain/floats.Sum(h), h)
	return h
})

type curveEntry struct {
	once  sync.Once
	curve []float64
	err   error
}

var kaiserCurves = struct {
	mu      sync.Mutex
	entries map[int]*curveEntry
}{entries: make(map[int]*curveEntry)}

// KaiserCurve returns the per-bin gain that flattens one fftlen-wide beamlet.
// It is computed once per fftlen; the returned slice is shared and must not
// be modified. fftlen must be even and at least prototypeTaps, below which
// the prototype does not fit the response grid.
func KaiserCurve(fftlen int) ([]float64, error) {
	if fftlen < prototypeTaps || fftlen%2 != 0 {
		return nil, fmt.Errorf("%w: kaiser curve for fftlen %d, want an even fftlen of at least %d",
			ErrConfiguration, fftlen, prototypeTaps)
	}

	kaiserCurves.mu.Lock()
	e, ok := kaiserCurves.entries[fftlen]
	if !ok {
		e = &curveEntry{}
		kaiserCurves.entries[fftlen] = e
	}
	kaiserCurves.mu.Unlock()

	e.once.Do(func() {
		e.curve, e.err = computeKaiserCurve(fftlen)
	})
	return e.curve, e.err
}

// computeKaiserCurve samples the prototype response on fftlen bins per
// channel. Each bin of a beamlet receives power from its own channel
// (middle) and from the two adjacent ones (left, right); the gain is the
// inverse of the combined response, squared since data are powers.
func computeKaiserCurve(fftlen int) ([]float64, error) {
	h := prototype()
	nfft := fftlen * prototypeChannels

	seq := make([]complex128, nfft)
	for i, v := range h {
		seq[i] = complex(v, 0)
	}
	g := fourier.NewCmplxFFT(nfft).Coefficients(nil, seq)

	at := func(k int) float64 {
		c := g[((k%nfft)+nfft)%nfft]
		return real(c)*real(c) + imag(c)*imag(c)
	}

	mid := fftlen / 2
	curve := make([]float64, fftlen)
	for i := range curve {
		power := at(i-mid) + at(i-mid-fftlen) + at(i+mid)
		if power == 0 {
			return nil, fmt.Errorf("%w: null filter response at bin %d", ErrConfiguration, i)
		}
		curve[i] = prototypeGain * prototypeGain / power
	}
	return curve, nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// kaiserAt evaluates a Kaiser window at normalised position x in [0, 1].
func kaiserAt(x, beta float64) float64 {
	r := 2*x - 1
	return besselI0(beta*math.Sqrt(math.Max(0, 1-r*r))) / besselI0(beta)
}

// besselI0 is the zeroth order modified Bessel function of the first kind,
// summed from its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	q := x * x / 4
	for k := 1; k < 64; k++ {
		term *= q / float64(k*k)
		sum += term
		if term < sum*1e-17 {
			break
		}
	}
	return sum
}
