package lane_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/AlanLoh/nenupy-tf/internal/lane"
	"github.com/AlanLoh/nenupy-tf/internal/lane/lanetest"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
)

const tolerance = 1e-6

func openFile(t *testing.T, f lanetest.File, options ...func(*lane.Reader)) *lane.Reader {
	t.Helper()
	path := lanetest.Write(t, t.TempDir(), "obs", f)
	r, err := lane.Open(path, options...)
	if err != nil {
		t.Fatalf("Failed to open lane file: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpen_Metadata(t *testing.T) {
	f := lanetest.Default()
	f.Lane = 3
	r := openFile(t, f)

	if r.Lane() != 3 {
		t.Errorf("Expected lane 3, got %d", r.Lane())
	}
	if r.BlockCount() != 2 {
		t.Errorf("Expected 2 blocks, got %d", r.BlockCount())
	}
	if beams := r.Beams(); len(beams) != 1 || beams[0] != 0 {
		t.Errorf("Expected beams [0], got %v", beams)
	}

	t0, t1 := r.TimeBounds()
	if math.Abs(t0-1_600_000_000) > tolerance || math.Abs(t1-1_600_000_002.048) > tolerance {
		t.Errorf("Expected time bounds [1600000000, 1600000002.048], got [%f, %f]", t0, t1)
	}

	f0, f1, err := r.FreqBounds(0)
	if err != nil {
		t.Fatalf("Failed to get frequency bounds: %v", err)
	}
	if math.Abs(f0-39.0625) > tolerance || math.Abs(f1-39.84375) > tolerance {
		t.Errorf("Expected frequency bounds [39.0625, 39.84375], got [%f, %f]", f0, f1)
	}

	if _, _, err := r.FreqBounds(5); !errors.Is(err, lane.ErrRange) {
		t.Errorf("Expected ErrRange for unknown beam, got %v", err)
	}
}

func TestReader_SelectKinds(t *testing.T) {
	r := openFile(t, lanetest.Default())

	// xx=1, yy=2, re=3, im=4
	tests := []struct {
		kind stokes.Kind
		want float64
	}{
		{stokes.I, 3},
		{stokes.Q, -1},
		{stokes.U, 6},
		{stokes.V, -8},
		{stokes.FracV, -8.0 / 3},
		{stokes.XX, 2},
		{stokes.YY, 4},
		{stokes.ArgXY, 10},
		{stokes.PhaseXY, math.Atan2(-8, 6)},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			s, err := r.Select(lane.Selection{Kind: tt.kind, Bandpass: stokes.BandpassNone})
			if err != nil {
				t.Fatalf("Failed to select: %v", err)
			}
			if s.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, s.Kind)
			}
			nt, nf := s.Shape()
			if nt != 20 || nf != 64 {
				t.Fatalf("Expected 20x64 selection, got %dx%d", nt, nf)
			}
			for i := 0; i < nt; i++ {
				for j := 0; j < nf; j++ {
					if v := s.Data.At(i, j); math.Abs(v-tt.want) > tolerance {
						t.Fatalf("Expected %v at (%d, %d), got %v", tt.want, i, j, v)
					}
				}
			}
		})
	}
}

func TestReader_SelectWindow(t *testing.T) {
	r := openFile(t, lanetest.Default())
	t0, _ := r.TimeBounds()

	s, err := r.Select(lane.Selection{
		Time:     &lane.Range{Min: t0 + 0.3, Max: t0 + 1.5},
		Freq:     &lane.Range{Min: 39.1, Max: 39.5},
		Bandpass: stokes.BandpassNone,
	})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}

	nt, nf := s.Shape()
	if nt != 12 || nf != 32 {
		t.Fatalf("Expected 12x32 selection, got %dx%d", nt, nf)
	}

	for i, v := range s.Time {
		if v < t0+0.3 || v >= t0+1.5 {
			t.Errorf("Time sample %d = %f outside the requested range", i, v)
		}
		if i > 0 && v <= s.Time[i-1] {
			t.Errorf("Time axis not increasing at %d", i)
		}
	}
	for j, v := range s.Freq {
		if v < 39.1 || v >= 39.5 {
			t.Errorf("Frequency bin %d = %f outside the requested range", j, v)
		}
	}
	if want := 39.0625 + 4*0.01220703125; math.Abs(s.Freq[0]-want) > tolerance {
		t.Errorf("Expected first bin at %f MHz, got %f", want, s.Freq[0])
	}
	if want := t0 + 3*0.1024; math.Abs(s.Time[0]-want) > tolerance {
		t.Errorf("Expected first sample at %f, got %f", want, s.Time[0])
	}
}

func TestReader_SwapHalves(t *testing.T) {
	f := lanetest.Default()
	f.Value = func(_, _ int, _ int32, _, bin int) (float32, float32, float32, float32) {
		return float32(bin), 0, 0, 0
	}
	r := openFile(t, f)

	s, err := r.Select(lane.Selection{Kind: stokes.XX, Bandpass: stokes.BandpassNone})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}

	for j := 0; j < 32; j++ {
		want := 2 * float64((j%16+8)%16)
		if got := s.Data.At(0, j); got != want {
			t.Errorf("Expected %v at bin %d, got %v", want, j, got)
		}
	}
}

func TestReader_SelectBeams(t *testing.T) {
	f := lanetest.Default()
	f.Beams = []lanetest.Beam{
		{ID: 3, Channels: []int32{300, 301}},
		{ID: 0, Channels: []int32{200, 201, 202}},
	}
	f.Value = func(_, beam int, _ int32, _, _ int) (float32, float32, float32, float32) {
		return float32(beam), 0, 0, 0
	}
	r := openFile(t, f)

	if beams := r.Beams(); len(beams) != 2 || beams[0] != 0 || beams[1] != 3 {
		t.Fatalf("Expected beams [0 3], got %v", beams)
	}

	beam := 3
	s, err := r.Select(lane.Selection{Kind: stokes.XX, Beam: &beam, Bandpass: stokes.BandpassNone})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if _, nf := s.Shape(); nf != 32 {
		t.Errorf("Expected 32 bins, got %d", nf)
	}
	if math.Abs(s.Freq[0]-58.59375) > tolerance {
		t.Errorf("Expected beam 3 to start at 58.59375 MHz, got %f", s.Freq[0])
	}
	if s.Data.At(0, 0) != 6 {
		t.Errorf("Expected beam 3 data, got %v", s.Data.At(0, 0))
	}

	// default beam is the lowest id
	s, err = r.Select(lane.Selection{Kind: stokes.XX, Bandpass: stokes.BandpassNone})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if _, nf := s.Shape(); nf != 48 || s.Data.At(0, 0) != 0 {
		t.Errorf("Expected beam 0 with 48 bins, got %d bins, value %v", nf, s.Data.At(0, 0))
	}

	missing := 7
	if _, err := r.Select(lane.Selection{Beam: &missing}); !errors.Is(err, lane.ErrRange) {
		t.Errorf("Expected ErrRange for unknown beam, got %v", err)
	}
}

func TestReader_SelectErrors(t *testing.T) {
	r := openFile(t, lanetest.Default(), lane.WithMemoryBudget(lane.Budget{
		Probe: func() (uint64, error) { return 1 << 30, nil },
	}))
	t0, _ := r.TimeBounds()

	tests := []struct {
		name string
		sel  lane.Selection
		want error
	}{
		{
			name: "inverted time",
			sel:  lane.Selection{Time: &lane.Range{Min: t0 + 1, Max: t0}},
			want: lane.ErrRange,
		},
		{
			name: "inverted frequency",
			sel:  lane.Selection{Freq: &lane.Range{Min: 39.5, Max: 39.1}},
			want: lane.ErrRange,
		},
		{
			name: "after the file",
			sel:  lane.Selection{Time: &lane.Range{Min: t0 + 100, Max: t0 + 200}},
			want: lane.ErrRange,
		},
		{
			name: "narrower than a sample",
			sel:  lane.Selection{Time: &lane.Range{Min: t0, Max: t0 + 0.05}, MinWidth: true},
			want: lane.ErrValueTooSmall,
		},
		{
			name: "narrower than a bin",
			sel:  lane.Selection{Freq: &lane.Range{Min: 39.1, Max: 39.101}, MinWidth: true},
			want: lane.ErrValueTooSmall,
		},
		{
			name: "invalid kind",
			sel:  lane.Selection{Kind: stokes.Kind(42)},
			want: stokes.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Select(tt.sel); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReader_NarrowSelection(t *testing.T) {
	r := openFile(t, lanetest.Default())
	t0, _ := r.TimeBounds()

	s, err := r.Select(lane.Selection{Time: &lane.Range{Min: t0, Max: t0 + 0.05}, Bandpass: stokes.BandpassMedian})
	if err != nil {
		t.Fatalf("Expected a single sample selection, got %v", err)
	}
	if nt, _ := s.Shape(); nt != 1 {
		t.Errorf("Expected 1 time sample, got %d", nt)
	}
}

func TestReader_OutOfMemory(t *testing.T) {
	r := openFile(t, lanetest.Default(), lane.WithMemoryBudget(lane.Budget{
		Probe: func() (uint64, error) { return 1024, nil },
	}))

	if _, err := r.Select(lane.Selection{}); !errors.Is(err, lane.ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
}

func TestReader_ClampWarning(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r := openFile(t, lanetest.Default(), lane.WithLogger(logger))
	t0, _ := r.TimeBounds()

	s, err := r.Select(lane.Selection{Time: &lane.Range{Min: t0 - 100, Max: t0 + 0.5}, Bandpass: stokes.BandpassNone})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if nt, _ := s.Shape(); nt != 5 {
		t.Errorf("Expected 5 time samples, got %d", nt)
	}
	if !strings.Contains(logs.String(), "clamped") {
		t.Errorf("Expected a clamp warning, got %q", logs.String())
	}
}

func TestReader_Concurrent(t *testing.T) {
	r := openFile(t, lanetest.Default())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Select(lane.Selection{Kind: stokes.Kind(i % 4)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent select failed: %v", err)
		}
	}
}

func TestOpen_Format(t *testing.T) {
	f := lanetest.Default()
	stride := f.Header(0).BlockStride()
	dir := t.TempDir()

	write := func(name string, p []byte) string {
		path := filepath.Join(dir, name+lane.Extension)
		if err := os.WriteFile(path, p, 0o644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		return path
	}

	t.Run("empty", func(t *testing.T) {
		if _, err := lane.Open(write("empty", nil)); !errors.Is(err, lane.ErrFormat) {
			t.Errorf("Expected ErrFormat, got %v", err)
		}
	})

	t.Run("partial block", func(t *testing.T) {
		if _, err := lane.Open(write("partial", f.Bytes()[:stride-1])); !errors.Is(err, lane.ErrFormat) {
			t.Errorf("Expected ErrFormat, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := lane.Open(filepath.Join(dir, "missing.spectra")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected not exist error, got %v", err)
		}
	})
}

func TestOpen_BlockSequence(t *testing.T) {
	f := lanetest.Default()
	f.Sequence = 195_312
	r := openFile(t, f)

	// block starts follow Timestamp and the block duration only
	t0, t1 := r.TimeBounds()
	if math.Abs(t0-1_600_000_000) > tolerance || math.Abs(t1-1_600_000_002.048) > tolerance {
		t.Errorf("Expected time bounds [1600000000, 1600000002.048], got [%f, %f]", t0, t1)
	}

	s, err := r.Select(lane.Selection{Time: &lane.Range{Min: t0 + 1, Max: t1}, Bandpass: stokes.BandpassNone})
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if nt, _ := s.Shape(); nt != 10 {
		t.Errorf("Expected 10 time samples, got %d", nt)
	}
	if math.Abs(s.Time[0]-(t0+1.024)) > tolerance {
		t.Errorf("Expected the second block at %f, got %f", t0+1.024, s.Time[0])
	}
}

func TestOpen_TrailingBytes(t *testing.T) {
	f := lanetest.Default()
	f.Trailing = 100
	r := openFile(t, f)

	if r.BlockCount() != 2 {
		t.Errorf("Expected trailing bytes to be ignored, got %d blocks", r.BlockCount())
	}
}

func TestOpen_ConsistencyScan(t *testing.T) {
	f := lanetest.Default()
	stride := f.Header(0).BlockStride()
	p := f.Bytes()
	// block 1 claims half the samples per block
	binary.LittleEndian.PutUint32(p[stride+40:], 5)

	path := filepath.Join(t.TempDir(), "obs_0"+lane.Extension)
	if err := os.WriteFile(path, p, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	r, err := lane.Open(path)
	if err != nil {
		t.Fatalf("Expected open without scan to succeed, got %v", err)
	}
	_ = r.Close()

	if _, err := lane.Open(path, lane.WithConsistencyScan()); !errors.Is(err, lane.ErrFormat) {
		t.Errorf("Expected ErrFormat with scan, got %v", err)
	}

	// block 1 timestamp before block 0
	p = f.Bytes()
	binary.LittleEndian.PutUint64(p[stride+8:], f.Timestamp-10)
	path = filepath.Join(t.TempDir(), "obs_0"+lane.Extension)
	if err := os.WriteFile(path, p, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := lane.Open(path, lane.WithConsistencyScan()); !errors.Is(err, lane.ErrFormat) {
		t.Errorf("Expected ErrFormat for a timestamp going backwards, got %v", err)
	}
}

func TestReader_CloseTwice(t *testing.T) {
	path := lanetest.Write(t, t.TempDir(), "obs", lanetest.Default())
	r, err := lane.Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

func TestLaneFromName(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"obs_3.spectra", 3},
		{"/data/B1919_20230101_12.spectra", 12},
		{"obs.spectra", -1},
		{"obs_x.spectra", -1},
	}
	for _, tt := range tests {
		if got := lane.LaneFromName(tt.path); got != tt.want {
			t.Errorf("LaneFromName(%q): expected %d, got %d", tt.path, tt.want, got)
		}
	}
}
