package lane

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/elastic/go-sysinfo"
)

const (
	// DefaultMemoryFraction is the share of available memory a selection may use.
	DefaultMemoryFraction = 0.9

	resultCellSize  = 8 // float64
	transientFactor = 3 // raw fft0/fft1 buffers and intermediate arrays
)

// MemoryProbe reports the currently available memory in bytes.
type MemoryProbe func() (uint64, error)

// AvailableMemory queries the host for available memory.
func AvailableMemory() (uint64, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return 0, fmt.Errorf("reading host info: %w", err)
	}
	mem, err := host.Memory()
	if err != nil {
		return 0, fmt.Errorf("reading host memory: %w", err)
	}
	return mem.Available, nil
}

// Budget guards selections against materialising more data than the host can hold.
type Budget struct {
	Fraction float64     // share of available memory, DefaultMemoryFraction when zero
	Probe    MemoryProbe // AvailableMemory when nil
}

// DefaultBudget returns a budget of 90% of the available host memory.
func DefaultBudget() Budget {
	return Budget{Fraction: DefaultMemoryFraction, Probe: AvailableMemory}
}

// EstimateBytes is the resident size of a nt x nf selection, transient buffers included.
func EstimateBytes(nt, nf int) uint64 {
	cells := uint64(max(nt, 0)) * uint64(max(nf, 0))
	return cells * resultCellSize * (1 + transientFactor)
}

// Check fails with ErrOutOfMemory when a nt x nf selection does not fit the budget.
func (b Budget) Check(nt, nf int) error {
	probe := b.Probe
	if probe == nil {
		probe = AvailableMemory
	}
	fraction := b.Fraction
	if fraction <= 0 {
		fraction = DefaultMemoryFraction
	}

	available, err := probe()
	if err != nil {
		return fmt.Errorf("probing memory: %w", err)
	}

	need := EstimateBytes(nt, nf)
	limit := uint64(float64(available) * fraction)
	if need > limit {
		return fmt.Errorf("%w: %dx%d selection needs %s, limit is %s of %s available; narrow the time or frequency range",
			ErrOutOfMemory, nt, nf, humanize.IBytes(need), humanize.IBytes(limit), humanize.IBytes(available))
	}
	return nil
}
