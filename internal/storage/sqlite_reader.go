package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"gonum.org/v1/gonum/mat"
)

// ErrNoData indicates either that a selection does not exist, or that no
// stored sample falls within the requested window.
var ErrNoData = fmt.Errorf("no data available")

// ReaderOption restricts the window read back by ReadSpecData.
type ReaderOption func(*sqliteSpecReader)

// WithTimeRange keeps samples with start <= time < end, in Unix seconds.
func WithTimeRange(start, end float64) ReaderOption {
	return func(r *sqliteSpecReader) {
		r.startTime = &start
		r.endTime = &end
	}
}

// WithFreqRange keeps samples with minFreq <= frequency < maxFreq, in MHz.
func WithFreqRange(minFreq, maxFreq float64) ReaderOption {
	return func(r *sqliteSpecReader) {
		r.minFreq = &minFreq
		r.maxFreq = &maxFreq
	}
}

type sqliteSpecReader struct {
	db *sql.DB

	selectionID int64
	selection   *SelectionInfo

	startTime *float64 // Optional start of time range filter
	endTime   *float64 // Optional end of time range filter
	minFreq   *float64 // Optional minimum frequency filter
	maxFreq   *float64 // Optional maximum frequency filter
}

func newSqliteSpecReader(ctx context.Context, db *sql.DB, selectionID int64, opts ...ReaderOption) (*sqliteSpecReader, error) {
	r := &sqliteSpecReader{db: db, selectionID: selectionID}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *sqliteSpecReader) init(ctx context.Context) error {
	if r.selectionID <= 0 {
		return errors.New("selection ID required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading selection", fn: r.loadSelection},
		{msg: "initializing filters", fn: r.initFilters},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (r *sqliteSpecReader) loadSelection(ctx context.Context) (err error) {
	r.selection, err = querySelection(ctx, r.db, r.selectionID)
	return
}

// initFilters validates the requested window and completes it with the stored
// bounds. Stored maxima are made inclusive by stepping just above them.
func (r *sqliteSpecReader) initFilters(ctx context.Context) (err error) {
	timeFiltersSet := r.startTime != nil && r.endTime != nil
	freqFiltersSet := r.minFreq != nil && r.maxFreq != nil

	if timeFiltersSet && *r.startTime > *r.endTime {
		return fmt.Errorf("start time %f is after end time %f", *r.startTime, *r.endTime)
	}
	if freqFiltersSet && *r.minFreq > *r.maxFreq {
		return fmt.Errorf("min frequency %f is greater than max frequency %f", *r.minFreq, *r.maxFreq)
	}
	if timeFiltersSet && freqFiltersSet {
		return nil
	}

	stmt, err := r.db.PrepareContext(ctx, selectFilterValuesSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var startTime, endTime, minFreq, maxFreq sql.NullFloat64
	if err = stmt.QueryRowContext(ctx, r.selectionID).Scan(&startTime, &endTime, &minFreq, &maxFreq); err != nil {
		return fmt.Errorf("scanning filters data: %w", err)
	}
	if !startTime.Valid {
		return fmt.Errorf("%w: selection %d holds no sample", ErrNoData, r.selectionID)
	}

	if !timeFiltersSet {
		end := math.Nextafter(endTime.Float64, math.Inf(1))
		r.startTime, r.endTime = &startTime.Float64, &end
	}
	if !freqFiltersSet {
		end := math.Nextafter(maxFreq.Float64, math.Inf(1))
		r.minFreq, r.maxFreq = &minFreq.Float64, &end
	}
	return nil
}

// read assembles the matching samples, ordered by time then frequency, into a
// dense [time][frequency] matrix.
func (r *sqliteSpecReader) read(ctx context.Context) (data *spectrum.SpecData, err error) {
	stmt, err := r.db.PrepareContext(ctx, selectSamplesSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	rows, err := stmt.QueryContext(ctx, r.selectionID, *r.startTime, *r.endTime, *r.minFreq, *r.maxFreq)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer closeWithError(rows, &err)

	var (
		times, freqs, values []float64
		lastIndex            = -1
	)
	for rows.Next() {
		var sample sampleData
		if err = rows.Scan(&sample.TimeIndex, &sample.Time, &sample.Frequency, &sample.Value); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		if sample.TimeIndex != lastIndex {
			times = append(times, sample.Time)
			lastIndex = sample.TimeIndex
		}
		if len(times) == 1 {
			freqs = append(freqs, sample.Frequency)
		}
		values = append(values, fromValue(sample.Value))
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%w: selection %d in time [%f, %f) and frequency [%f, %f)",
			ErrNoData, r.selectionID, *r.startTime, *r.endTime, *r.minFreq, *r.maxFreq)
	}
	if len(values) != len(times)*len(freqs) {
		return nil, fmt.Errorf("selection %d: %d samples do not fill %d times by %d frequencies",
			r.selectionID, len(values), len(times), len(freqs))
	}

	return spectrum.New(mat.NewDense(len(times), len(freqs), values), times, freqs, r.selection.Kind)
}
