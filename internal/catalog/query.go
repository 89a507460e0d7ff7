package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/numerical"
	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"gonum.org/v1/gonum/mat"
)

// Select decodes q from every matching file and joins the sub-bands along
// the frequency axis.
func (c *Catalog) Select(ctx context.Context, q Query) (*spectrum.SpecData, error) {
	q, err := c.resolve(q)
	if err != nil {
		return nil, err
	}
	rows, err := c.match(q)
	if err != nil {
		return nil, err
	}

	parts := make([]*spectrum.SpecData, len(rows))
	err = c.fanOut(ctx, len(rows), func(ctx context.Context, i int) error {
		part, err := c.selectRow(rows[i], q)
		if err != nil {
			return fmt.Errorf("selecting from %s: %w", rows[i].Path, err)
		}
		parts[i] = part
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := spectrum.ConcatFreq(parts...)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("selection done", slog.String("result", out.String()), slog.Int("files", len(rows)))
	return out, nil
}

func (c *Catalog) selectRow(row Row, q Query) (out *spectrum.SpecData, err error) {
	r, err := c.open(row.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cErr := r.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()
	return r.Select(rowSelection(row, q, *q.Time))
}

// rowSelection narrows q to the bounds of row so that readers only clamp
// what lies outside the observation.
func rowSelection(row Row, q Query, t lane.Range) lane.Selection {
	return lane.Selection{
		Kind:     q.Kind,
		Time:     &lane.Range{Min: max(t.Min, row.TimeMin), Max: min(t.Max, row.TimeMax)},
		Freq:     &lane.Range{Min: max(q.Freq.Min, row.FreqMin), Max: min(q.Freq.Max, row.FreqMax)},
		Beam:     &row.Beam,
		Bandpass: q.Bandpass,
	}
}

// Average reduces q to a regular grid of dt seconds by df MHz. Each row is
// the time average of a dt slab rebinned in frequency; slabs holding no
// sample are NaN.
func (c *Catalog) Average(ctx context.Context, q Query, dt, df float64) (*spectrum.SpecData, error) {
	if dt <= 0 || df <= 0 {
		return nil, fmt.Errorf("%w: dt=%g s, df=%g MHz", lane.ErrValueTooSmall, dt, df)
	}
	q, err := c.resolve(q)
	if err != nil {
		return nil, err
	}
	rows, err := c.match(q)
	if err != nil {
		return nil, err
	}

	nt := int(math.Ceil((q.Time.Max - q.Time.Min) / dt))
	nf := int(math.Floor((q.Freq.Max - q.Freq.Min) / df))
	if nt < 1 || nf < 1 {
		return nil, fmt.Errorf("%w: %s by %s gives a %dx%d grid for dt=%g s, df=%g MHz",
			lane.ErrValueTooSmall, q.Time, q.Freq, nt, nf, dt, df)
	}
	if err = c.budget.Check(nt, nf); err != nil {
		return nil, err
	}

	readers := make([]*lane.Reader, 0, len(rows))
	defer func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				c.logger.Error("closing lane file", slog.String("path", r.Path()), slog.String("error", err.Error()))
			}
		}
	}()
	for _, row := range rows {
		r, err := c.open(row.Path)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}

	data := mat.NewDense(nt, nf, nil)
	times := make([]float64, nt)
	var (
		mu    sync.Mutex
		freqs []float64
	)
	err = c.fanOut(ctx, nt, func(ctx context.Context, i int) error {
		slab := lane.Range{Min: q.Time.Min + float64(i)*dt, Max: min(q.Time.Min+float64(i+1)*dt, q.Time.Max)}
		times[i] = slab.Min + (slab.Max-slab.Min)/2

		avg, err := c.averageSlab(rows, readers, q, slab, nf)
		if errors.Is(err, ErrEmptySelection) {
			c.logger.Warn("no data in time slab, filled with NaN",
				slog.Float64("start", slab.Min), slog.Float64("end", slab.Max))
			data.SetRow(i, nanRow(nf))
			return nil
		}
		if err != nil {
			return fmt.Errorf("averaging slab %d %s: %w", i, slab, err)
		}

		data.SetRow(i, avg.Data.RawRowView(0))
		mu.Lock()
		if freqs == nil {
			freqs = avg.Freq
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if freqs == nil {
		return nil, fmt.Errorf("%w: no time slab holds data", ErrEmptySelection)
	}

	out, err := spectrum.New(data, times, freqs, q.Kind)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("average done", slog.String("result", out.String()))
	return out, nil
}

// averageSlab selects one time slab from every matching file and reduces it
// to a single row of nf bins. Every file must hold samples in the slab, or
// none of them: a partial band would be rebinned under the labels of the
// full one.
func (c *Catalog) averageSlab(rows []Row, readers []*lane.Reader, q Query, slab lane.Range, nf int) (*spectrum.SpecData, error) {
	var (
		parts   []*spectrum.SpecData
		missing []int
	)
	for i, row := range rows {
		if !slab.Overlaps(row.TimeMin, row.TimeMax) {
			missing = append(missing, row.Lane)
			continue
		}
		part, err := readers[i].Select(rowSelection(row, q, slab))
		if errors.Is(err, lane.ErrRange) {
			// slab falls between two samples of this file
			missing = append(missing, row.Lane)
			continue
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, ErrEmptySelection
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: lanes %v hold no sample in %s", ErrInconsistentSelection, missing, slab)
	}

	joined, err := spectrum.ConcatFreq(parts...)
	if err != nil {
		return nil, err
	}
	return joined.TimeMean(numerical.MethodMean).FreqRebin(nf)
}

func nanRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	return row
}

// fanOut runs fn for 0 <= i < n on at most c.workers goroutines. The first
// error cancels the remaining calls and is returned.
func (c *Catalog) fanOut(ctx context.Context, n int, fn func(context.Context, int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
		fail error
	)
	sem := make(chan struct{}, c.workers)
	for i := range n {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, i); err != nil {
					once.Do(func() {
						fail = err
						cancel() // signal the other workers
					})
				}
			}()
		}
	}
	wg.Wait()

	if fail != nil {
		return fail
	}
	return ctx.Err()
}

// Lanes lists the lane indices matching q, for reporting.
func (c *Catalog) Lanes(q Query) ([]int, error) {
	q, err := c.resolve(q)
	if err != nil {
		return nil, err
	}
	rows, err := c.match(q)
	if err != nil {
		return nil, err
	}
	var lanes []int
	for _, r := range rows {
		lanes = append(lanes, r.Lane)
	}
	slices.Sort(lanes)
	return slices.Compact(lanes), nil
}
