// Package catalog composes selections over a directory of lane files that
// cover disjoint sub-bands of the same observation.
package catalog

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
)

var (
	// ErrNoLaneFiles is returned when a directory holds no lane file.
	ErrNoLaneFiles = errors.New("no lane files found")

	// ErrEmptySelection is returned when no file matches a query.
	ErrEmptySelection = errors.New("empty selection")

	// ErrInconsistentSelection is returned when per-file results cannot be joined.
	ErrInconsistentSelection = spectrum.ErrInconsistentSelection
)

// Row describes one beam of one lane file.
type Row struct {
	Lane    int
	Beam    int
	TimeMin float64 // Unix seconds
	TimeMax float64
	FreqMin float64 // MHz
	FreqMax float64
	Path    string
}

// Query describes a selection over the whole observation. Nil ranges
// select the observed bounds of the beam, a nil beam the lowest beam id.
type Query struct {
	Kind     stokes.Kind
	Time     *lane.Range
	Freq     *lane.Range
	Beam     *int
	Bandpass stokes.Bandpass
}

// WithLogger sets the logger of the catalog and of the readers it opens
func WithLogger(logger *slog.Logger) func(*Catalog) {
	return func(c *Catalog) {
		c.logger = logger.With(slog.String("directory", c.dir))
	}
}

// WithWorkers bounds the number of files decoded concurrently
func WithWorkers(n int) func(*Catalog) {
	return func(c *Catalog) {
		c.workers = max(n, 1)
	}
}

// WithMemoryBudget sets the memory guard of readers and averaged outputs
func WithMemoryBudget(b lane.Budget) func(*Catalog) {
	return func(c *Catalog) {
		c.budget = b
	}
}

// WithReaderOptions adds options to every reader opened by the catalog
func WithReaderOptions(options ...func(*lane.Reader)) func(*Catalog) {
	return func(c *Catalog) {
		c.readerOptions = append(c.readerOptions, options...)
	}
}

// Catalog is the metadata table of a directory of lane files.
type Catalog struct {
	dir  string
	rows []Row

	workers       int
	budget        lane.Budget
	readerOptions []func(*lane.Reader)
	logger        *slog.Logger
}

// New globs dir for lane files and records the bounds of every (lane, beam) pair.
func New(dir string, options ...func(*Catalog)) (*Catalog, error) {
	c := &Catalog{
		dir:     dir,
		workers: runtime.NumCPU(),
		budget:  lane.DefaultBudget(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}
	for _, option := range options {
		option(c)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+lane.Extension))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoLaneFiles, dir)
	}

	for _, path := range paths {
		rows, err := c.describe(path)
		if err != nil {
			return nil, err
		}
		c.rows = append(c.rows, rows...)
	}
	slices.SortFunc(c.rows, func(a, b Row) int {
		return cmp.Or(cmp.Compare(a.Beam, b.Beam), cmp.Compare(a.FreqMin, b.FreqMin), cmp.Compare(a.Lane, b.Lane))
	})

	c.logger.Info("catalog built", slog.Int("files", len(paths)), slog.Int("rows", len(c.rows)))
	return c, nil
}

func (c *Catalog) describe(path string) (rows []Row, err error) {
	r, err := c.open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cErr := r.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cErr)
		}
	}()

	tMin, tMax := r.TimeBounds()
	for _, beam := range r.Beams() {
		fMin, fMax, err := r.FreqBounds(beam)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Lane:    r.Lane(),
			Beam:    beam,
			TimeMin: tMin,
			TimeMax: tMax,
			FreqMin: fMin,
			FreqMax: fMax,
			Path:    path,
		})
	}
	return rows, nil
}

func (c *Catalog) open(path string) (*lane.Reader, error) {
	options := append([]func(*lane.Reader){
		lane.WithLogger(c.logger),
		lane.WithMemoryBudget(c.budget),
	}, c.readerOptions...)
	return lane.Open(path, options...)
}

// Rows returns the metadata table ordered by beam and frequency.
func (c *Catalog) Rows() []Row {
	return slices.Clone(c.rows)
}

// Beams lists the beam ids of the observation, ascending.
func (c *Catalog) Beams() []int {
	var beams []int
	for _, r := range c.rows {
		if !slices.Contains(beams, r.Beam) {
			beams = append(beams, r.Beam)
		}
	}
	slices.Sort(beams)
	return beams
}

// TimeBounds returns the time span covered by beam over all files.
func (c *Catalog) TimeBounds(beam int) (float64, float64, error) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range c.rows {
		if r.Beam == beam {
			lo, hi = min(lo, r.TimeMin), max(hi, r.TimeMax)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 0, fmt.Errorf("%w: beam %d not observed", lane.ErrRange, beam)
	}
	return lo, hi, nil
}

// FreqBounds returns the band covered by beam over all files.
func (c *Catalog) FreqBounds(beam int) (float64, float64, error) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range c.rows {
		if r.Beam == beam {
			lo, hi = min(lo, r.FreqMin), max(hi, r.FreqMax)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 0, fmt.Errorf("%w: beam %d not observed", lane.ErrRange, beam)
	}
	return lo, hi, nil
}

// resolve fills the defaults of q: lowest beam, observed time and frequency
// bounds. Ranges reaching past the observed bounds are clamped with a warning.
func (c *Catalog) resolve(q Query) (Query, error) {
	if q.Beam == nil {
		beam := c.rows[0].Beam
		q.Beam = &beam
	}

	tMin, tMax, err := c.TimeBounds(*q.Beam)
	if err != nil {
		return q, err
	}
	fMin, fMax, _ := c.FreqBounds(*q.Beam)

	if q.Time == nil {
		q.Time = &lane.Range{Min: tMin, Max: tMax}
	}
	if q.Freq == nil {
		q.Freq = &lane.Range{Min: fMin, Max: fMax}
	}
	if q.Time.Max < q.Time.Min || q.Freq.Max < q.Freq.Min {
		return q, fmt.Errorf("%w: inverted range, time %s frequency %s", lane.ErrRange, q.Time, q.Freq)
	}
	q.Time = c.clamp("time", q.Time, tMin, tMax)
	q.Freq = c.clamp("frequency", q.Freq, fMin, fMax)
	return q, nil
}

// clamp narrows rng to [lo, hi]. A range that does not overlap the bounds
// is returned as is, so that matching reports the empty selection.
func (c *Catalog) clamp(axis string, rng *lane.Range, lo, hi float64) *lane.Range {
	if !rng.Overlaps(lo, hi) {
		return rng
	}
	out := *rng
	if out.Min < lo {
		c.logger.Warn("query starts out of range, clamped",
			slog.String("axis", axis), slog.Float64("requested", out.Min), slog.Float64("bound", lo))
		out.Min = lo
	}
	if out.Max > hi {
		c.logger.Warn("query ends out of range, clamped",
			slog.String("axis", axis), slog.Float64("requested", out.Max), slog.Float64("bound", hi))
		out.Max = hi
	}
	return &out
}

// match returns the rows of the query beam that intersect both query ranges.
func (c *Catalog) match(q Query) ([]Row, error) {
	var rows []Row
	for _, r := range c.rows {
		if r.Beam != *q.Beam {
			continue
		}
		if q.Time.Overlaps(r.TimeMin, r.TimeMax) && q.Freq.Overlaps(r.FreqMin, r.FreqMax) {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: beam %d, time %s, frequency %s", ErrEmptySelection, *q.Beam, q.Time, q.Freq)
	}
	return rows, nil
}
