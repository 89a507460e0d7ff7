package stokes

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the observable reconstructed from the correlator products.
type Kind int

const (
	I Kind = iota
	Q
	U
	V
	FracV
	XX
	YY
	ArgXY
	PhaseXY

	numKinds
)

var kindNames = [numKinds]string{
	I:       "I",
	Q:       "Q",
	U:       "U",
	V:       "V",
	FracV:   "fracV",
	XX:      "XX",
	YY:      "YY",
	ArgXY:   "argXY",
	PhaseXY: "phaseXY",
}

// Kinds lists every supported observable.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := I; k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseKind parses an observable name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown stokes parameter %q", ErrConfiguration, s)
}

func (k Kind) Valid() bool {
	return k >= I && k < numKinds
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: invalid stokes parameter %d", ErrConfiguration, int(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Apply computes the observable from one sample of both correlator outputs:
// fft0 holds the two auto-powers (xx, yy), fft1 the cross-product (re, im).
func (k Kind) Apply(xx, yy, re, im float64) float64 {
	switch k {
	case I:
		return xx + yy
	case Q:
		return xx - yy
	case U:
		return 2 * re
	case V:
		return -2 * im
	case FracV:
		return -2 * im / (xx + yy)
	case XX:
		return 2 * xx
	case YY:
		return 2 * yy
	case ArgXY:
		return math.Hypot(2*re, -2*im)
	case PhaseXY:
		return math.Atan2(-2*im, 2*re)
	}
	panic(fmt.Sprintf("stokes: apply on invalid kind %d", int(k)))
}
