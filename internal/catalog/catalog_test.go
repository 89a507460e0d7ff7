package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/lane/lanetest"
	"github.com/AlanLoh/nenupy-tf/internal/numerical"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
)

const tolerance = 1e-9

// observation writes two contiguous sub-bands of beam 0: lane 0 holds
// channels 200-203 with xx = 1, lane 1 channels 204-207 with xx = 2.
func observation(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for l := 0; l < 2; l++ {
		f := lanetest.Default()
		f.Lane = l
		f.Beams = []lanetest.Beam{{ID: 0, Channels: []int32{
			int32(200 + 4*l), int32(201 + 4*l), int32(202 + 4*l), int32(203 + 4*l),
		}}}
		f.Value = lanetest.Constant(float32(l+1), 0, 0, 0)
		lanetest.Write(t, dir, "obs", f)
	}
	return dir
}

func xxQuery() Query {
	return Query{Kind: stokes.XX, Bandpass: stokes.BandpassNone}
}

func TestNew(t *testing.T) {
	c, err := New(observation(t), WithWorkers(2))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	rows := c.Rows()
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Lane != 0 || rows[1].Lane != 1 {
		t.Errorf("Expected rows ordered by frequency, got lanes %d, %d", rows[0].Lane, rows[1].Lane)
	}
	if math.Abs(rows[0].FreqMax-rows[1].FreqMin) > tolerance {
		t.Errorf("Expected contiguous sub-bands, got %v and %v", rows[0].FreqMax, rows[1].FreqMin)
	}

	if beams := c.Beams(); !slices.Equal(beams, []int{0}) {
		t.Errorf("Expected beams [0], got %v", beams)
	}

	f0, f1, err := c.FreqBounds(0)
	if err != nil {
		t.Fatalf("Failed to get frequency bounds: %v", err)
	}
	if f0 != 39.0625 || f1 != 40.625 {
		t.Errorf("Expected band [39.0625, 40.625], got [%v, %v]", f0, f1)
	}
	if _, _, err := c.TimeBounds(4); !errors.Is(err, lane.ErrRange) {
		t.Errorf("Expected ErrRange for unknown beam, got %v", err)
	}
}

func TestNew_NoFiles(t *testing.T) {
	if _, err := New(t.TempDir()); !errors.Is(err, ErrNoLaneFiles) {
		t.Errorf("Expected ErrNoLaneFiles, got %v", err)
	}
}

func TestCatalog_Select(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	s, err := c.Select(context.Background(), xxQuery())
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}

	nt, nf := s.Shape()
	if nt != 20 || nf != 128 {
		t.Fatalf("Expected 20x128, got %dx%d", nt, nf)
	}
	if !slices.IsSorted(s.Freq) {
		t.Error("Expected ascending frequencies")
	}
	if s.Data.At(0, 63) != 2 || s.Data.At(0, 64) != 4 {
		t.Errorf("Expected lane 0 then lane 1 data, got %v and %v", s.Data.At(0, 63), s.Data.At(0, 64))
	}
}

func TestCatalog_SelectSingleLane(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	q := xxQuery()
	q.Freq = &lane.Range{Min: 40, Max: 40.5}
	s, err := c.Select(context.Background(), q)
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	for j, f := range s.Freq {
		if f < 40 || f >= 40.5 {
			t.Errorf("Bin %d at %v MHz outside the query", j, f)
		}
		if s.Data.At(0, j) != 4 {
			t.Errorf("Expected lane 1 data, got %v", s.Data.At(0, j))
		}
	}

	lanes, err := c.Lanes(q)
	if err != nil || !slices.Equal(lanes, []int{1}) {
		t.Errorf("Expected lanes [1], got %v (%v)", lanes, err)
	}
}

func TestCatalog_SelectErrors(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	t0, _, _ := c.TimeBounds(0)
	beam := 9

	tests := []struct {
		name string
		q    Query
		want error
	}{
		{"outside band", Query{Freq: &lane.Range{Min: 10, Max: 20}}, ErrEmptySelection},
		{"after observation", Query{Time: &lane.Range{Min: t0 + 100, Max: t0 + 200}}, ErrEmptySelection},
		{"inverted", Query{Time: &lane.Range{Min: t0 + 1, Max: t0}}, lane.ErrRange},
		{"unknown beam", Query{Beam: &beam}, lane.ErrRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Select(context.Background(), tt.q); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCatalog_ClampWarning(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c, err := New(observation(t), WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	t0, t1, _ := c.TimeBounds(0)

	q := xxQuery()
	q.Time = &lane.Range{Min: t0 - 100, Max: t1 + 100}
	q.Freq = &lane.Range{Min: 0, Max: 1000}
	s, err := c.Select(context.Background(), q)
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if nt, nf := s.Shape(); nt != 20 || nf != 128 {
		t.Errorf("Expected 20x128, got %dx%d", nt, nf)
	}

	out := logs.String()
	for _, want := range []string{"level=WARN", "axis=time", "axis=frequency", "clamped"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in logs, got %q", want, out)
		}
	}

	logs.Reset()
	if _, err := c.Select(context.Background(), xxQuery()); err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if strings.Contains(logs.String(), "clamped") {
		t.Errorf("Expected no clamp warning for the observed bounds, got %q", logs.String())
	}
}

func TestCatalog_AverageClampsGrid(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	t0, t1, _ := c.TimeBounds(0)

	q := xxQuery()
	q.Time = &lane.Range{Min: t0 - 10, Max: t1}
	s, err := c.Average(context.Background(), q, 0.5, lane.ChannelWidth)
	if err != nil {
		t.Fatalf("Failed to average: %v", err)
	}
	if nt, _ := s.Shape(); nt != 5 {
		t.Errorf("Expected the grid to start at the observation, got %d rows", nt)
	}
}

func TestCatalog_SelectCancelled(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Select(ctx, xxQuery()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCatalog_Average(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	// 2.048 s by 1.5625 MHz in 0.5 s by one channel cells
	s, err := c.Average(context.Background(), xxQuery(), 0.5, lane.ChannelWidth)
	if err != nil {
		t.Fatalf("Failed to average: %v", err)
	}

	nt, nf := s.Shape()
	if nt != 5 || nf != 8 {
		t.Fatalf("Expected 5x8, got %dx%d", nt, nf)
	}
	for i := 0; i < 4; i++ {
		row := s.Data.RawRowView(i)
		if want := []float64{2, 2, 2, 2, 4, 4, 4, 4}; !slices.Equal(row, want) {
			t.Errorf("Expected row %d %v, got %v", i, want, row)
		}
	}
	// the last slab starts after the last sample
	for j := 0; j < nf; j++ {
		if !math.IsNaN(s.Data.At(4, j)) {
			t.Errorf("Expected NaN in the empty slab, got %v", s.Data.At(4, j))
		}
	}

	t0, _, _ := c.TimeBounds(0)
	if math.Abs(s.Time[0]-(t0+0.25)) > 1e-6 {
		t.Errorf("Expected first row at the slab centre, got %v", s.Time[0]-t0)
	}
}

func TestCatalog_AverageMatchesSelect(t *testing.T) {
	dir := t.TempDir()
	for l := 0; l < 2; l++ {
		f := lanetest.Default()
		f.Lane = l
		f.Beams = []lanetest.Beam{{ID: 0, Channels: []int32{int32(200 + 2*l), int32(201 + 2*l)}}}
		f.Value = func(block, _ int, ch int32, sample, bin int) (float32, float32, float32, float32) {
			return float32(10*block + sample), float32(ch%7 + int32(bin)), 0, 0
		}
		lanetest.Write(t, dir, "obs", f)
	}

	c, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	q := Query{Kind: stokes.I, Bandpass: stokes.BandpassNone}
	const dt, bins = 0.4, 10
	f0, f1, _ := c.FreqBounds(0)
	df := (f1 - f0) / bins

	avg, err := c.Average(context.Background(), q, dt, df)
	if err != nil {
		t.Fatalf("Failed to average: %v", err)
	}
	nt, nf := avg.Shape()
	if nf != bins {
		t.Fatalf("Expected %d bins, got %d", bins, nf)
	}

	t0, _, _ := c.TimeBounds(0)
	for i := 0; i < nt; i++ {
		slab := q
		slab.Time = &lane.Range{Min: t0 + float64(i)*dt, Max: t0 + float64(i+1)*dt}
		sel, err := c.Select(context.Background(), slab)
		if errors.Is(err, lane.ErrRange) {
			continue
		}
		if err != nil {
			t.Fatalf("Failed to select slab %d: %v", i, err)
		}

		want, err := sel.TimeMean(numerical.MethodMean).FreqRebin(bins)
		if err != nil {
			t.Fatalf("Failed to rebin slab %d: %v", i, err)
		}
		for j := 0; j < bins; j++ {
			if got := avg.Data.At(i, j); math.Abs(got-want.Data.At(0, j)) > 1e-9 {
				t.Errorf("Slab %d bin %d: expected %v, got %v", i, j, want.Data.At(0, j), got)
			}
		}
	}
}

func TestCatalog_AverageTooCoarse(t *testing.T) {
	c, err := New(observation(t))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	tests := []struct {
		name   string
		dt, df float64
	}{
		{"zero dt", 0, 0.1},
		{"band narrower than df", 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Average(context.Background(), xxQuery(), tt.dt, tt.df); !errors.Is(err, lane.ErrValueTooSmall) {
				t.Errorf("Expected ErrValueTooSmall, got %v", err)
			}
		})
	}
}

func TestCatalog_AverageOutOfMemory(t *testing.T) {
	c, err := New(observation(t), WithMemoryBudget(lane.Budget{
		Probe: func() (uint64, error) { return 1024, nil },
	}))
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	if _, err := c.Average(context.Background(), xxQuery(), 0.001, 0.001); !errors.Is(err, lane.ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
}

func TestCatalog_AverageUnequalLanes(t *testing.T) {
	dir := t.TempDir()
	for l, blocks := range []int{2, 1} {
		f := lanetest.Default()
		f.Lane = l
		f.Blocks = blocks
		f.Beams = []lanetest.Beam{{ID: 0, Channels: []int32{int32(200 + 2*l), int32(201 + 2*l)}}}
		lanetest.Write(t, dir, "obs", f)
	}

	c, err := New(dir)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}

	// lane 1 stops after the first block, lane 0 runs on alone
	if _, err := c.Average(context.Background(), xxQuery(), 0.5, lane.ChannelWidth); !errors.Is(err, ErrInconsistentSelection) {
		t.Errorf("Expected ErrInconsistentSelection, got %v", err)
	}

	// the first block is held by both lanes
	t0, _, _ := c.TimeBounds(0)
	q := xxQuery()
	q.Time = &lane.Range{Min: t0, Max: t0 + 1}
	s, err := c.Average(context.Background(), q, 0.5, lane.ChannelWidth)
	if err != nil {
		t.Fatalf("Failed to average the common block: %v", err)
	}
	if nt, nf := s.Shape(); nt != 2 || nf != 4 {
		t.Errorf("Expected 2x4, got %dx%d", nt, nf)
	}
}
