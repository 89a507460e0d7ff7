package lane

import (
	"fmt"

	"github.com/AlanLoh/nenupy-tf/internal/stokes"
)

// Range is a closed-open interval [Min, Max) in Unix seconds or MHz.
type Range struct {
	Min float64
	Max float64
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g)", r.Min, r.Max)
}

// Overlaps reports whether r intersects [lo, hi).
func (r Range) Overlaps(lo, hi float64) bool {
	return r.Min < hi && lo < r.Max
}

// Selection describes a window of a lane file. The zero value selects the
// whole file for the first beam, as Stokes I with the Kaiser bandpass
// correction.
type Selection struct {
	Kind     stokes.Kind     // observable, I by default
	Time     *Range          // Unix seconds, whole file when nil
	Freq     *Range          // MHz, whole beam band when nil
	Beam     *int            // lowest beam id when nil
	Bandpass stokes.Bandpass // kaiser by default

	// MinWidth rejects ranges narrower than one native time or frequency step.
	MinWidth bool
}
