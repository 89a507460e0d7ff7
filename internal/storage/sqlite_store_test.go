package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
	"gonum.org/v1/gonum/mat"
)

func newTestStore(t *testing.T, options ...func(*SqliteStore)) *SqliteStore {
	t.Helper()
	s := NewSqliteStore(filepath.Join(t.TempDir(), "dynspec.db"), options...)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return s
}

func testSpecData(t *testing.T) *spectrum.SpecData {
	t.Helper()
	data := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		5, math.NaN(), 7, 8,
		9, 10, 11, 12,
	})
	s, err := spectrum.New(data,
		[]float64{1_600_000_000, 1_600_000_000.1024, 1_600_000_000.2048},
		[]float64{39.0625, 39.0747, 39.0869, 39.0991},
		stokes.V)
	if err != nil {
		t.Fatalf("Failed to build spectrum: %v", err)
	}
	return s
}

func createSelection(t *testing.T, s *SqliteStore) int64 {
	t.Helper()
	id, err := s.CreateSelection(context.Background(), SelectionInfo{
		Source:   "/data/obs",
		Kind:     stokes.V,
		Bandpass: stokes.BandpassMedian,
		Beam:     2,
		Config:   map[string]any{"stokes": "V", "dt": 0.5},
	})
	if err != nil {
		t.Fatalf("Failed to create selection: %v", err)
	}
	return id
}

func TestSqliteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithMaxBatchSize(5))
	id := createSelection(t, s)
	want := testSpecData(t)

	if err := s.StoreSpecData(ctx, id, want); err != nil {
		t.Fatalf("Failed to store data: %v", err)
	}

	got, err := s.ReadSpecData(ctx, id)
	if err != nil {
		t.Fatalf("Failed to read data: %v", err)
	}

	if got.Kind != stokes.V {
		t.Errorf("Expected kind V, got %s", got.Kind)
	}
	if !slices.Equal(got.Time, want.Time) || !slices.Equal(got.Freq, want.Freq) {
		t.Errorf("Axes differ: got %v x %v", got.Time, got.Freq)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			w, g := want.Data.At(i, j), got.Data.At(i, j)
			if math.IsNaN(w) != math.IsNaN(g) || (!math.IsNaN(w) && w != g) {
				t.Errorf("Expected %v at (%d, %d), got %v", w, i, j, g)
			}
		}
	}
}

func TestSqliteStore_ReadWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := createSelection(t, s)
	if err := s.StoreSpecData(ctx, id, testSpecData(t)); err != nil {
		t.Fatalf("Failed to store data: %v", err)
	}

	got, err := s.ReadSpecData(ctx, id,
		WithTimeRange(1_600_000_000.1, 1_600_000_000.2048),
		WithFreqRange(39.07, 39.09),
	)
	if err != nil {
		t.Fatalf("Failed to read data: %v", err)
	}

	nt, nf := got.Shape()
	if nt != 1 || nf != 2 {
		t.Fatalf("Expected 1x2 window, got %dx%d", nt, nf)
	}
	if !math.IsNaN(got.Data.At(0, 0)) || got.Data.At(0, 1) != 7 {
		t.Errorf("Unexpected window %v", got.Data.RawRowView(0))
	}

	if _, err := s.ReadSpecData(ctx, id, WithFreqRange(10, 20)); !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData for an empty window, got %v", err)
	}
	if _, err := s.ReadSpecData(ctx, id, WithFreqRange(20, 10)); err == nil {
		t.Error("Expected an error for an inverted window")
	}
}

func TestSqliteStore_Selections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := createSelection(t, s)
	second := createSelection(t, s)

	info, err := s.Selection(ctx, second)
	if err != nil {
		t.Fatalf("Failed to get selection: %v", err)
	}
	if info.Kind != stokes.V || info.Bandpass != stokes.BandpassMedian || info.Beam != 2 || info.Source != "/data/obs" {
		t.Errorf("Unexpected selection %+v", info)
	}
	if info.Config != `{"dt":0.5,"stokes":"V"}` {
		t.Errorf("Unexpected config %v", info.Config)
	}
	if info.CreatedAt.IsZero() {
		t.Error("Expected a creation time")
	}

	infos, err := s.Selections(ctx)
	if err != nil {
		t.Fatalf("Failed to list selections: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != first || infos[1].ID != second {
		t.Errorf("Expected selections %d and %d, got %d entries", first, second, len(infos))
	}

	if _, err := s.Selection(ctx, second+10); !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData for a missing selection, got %v", err)
	}
	if _, err := s.ReadSpecData(ctx, first); !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData for a selection without samples, got %v", err)
	}
}

func TestSqliteStore_UnknownSelection(t *testing.T) {
	s := newTestStore(t)
	createSelection(t, s)

	if err := s.StoreSpecData(context.Background(), 99, testSpecData(t)); err == nil {
		t.Error("Expected samples of an unknown selection to be rejected")
	}
}

func TestSqliteStore_CloseTwice(t *testing.T) {
	s := NewSqliteStore(filepath.Join(t.TempDir(), "dynspec.db"))
	createSelection(t, s)
	if err := s.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
