package lane

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/AlanLoh/nenupy-tf/internal/spectrum"
	"github.com/AlanLoh/nenupy-tf/internal/stokes"
	"gonum.org/v1/gonum/mat"
)

// Extension is the file extension of lane files.
const Extension = ".spectra"

// WithLogger sets the logger of the reader
func WithLogger(logger *slog.Logger) func(*Reader) {
	return func(r *Reader) {
		r.logger = logger.With(slog.String("file", filepath.Base(r.path)))
	}
}

// WithMemoryBudget replaces the default memory guard of selections
func WithMemoryBudget(b Budget) func(*Reader) {
	return func(r *Reader) {
		r.budget = b
	}
}

// WithConsistencyScan verifies at open time that every block repeats the
// geometry of the first one and that the last block carries the same beam
// and channel table.
func WithConsistencyScan() func(*Reader) {
	return func(r *Reader) {
		r.scan = true
	}
}

// beamTable holds the channels of one beam, in ascending frequency.
type beamTable struct {
	positions []int     // beamlet record positions within a block
	freqs     []float64 // channel frequencies, MHz
}

// Reader gives windowed access to one memory-mapped lane file. It is safe
// for concurrent selections once opened; Close must not race with them.
type Reader struct {
	path   string
	lane   int
	header Header
	data   []byte

	blockCount int
	blockTimes []float64
	beams      []int
	tables     map[int]*beamTable

	budget Budget
	scan   bool
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open maps path read-only and indexes its blocks.
func Open(path string, options ...func(*Reader)) (*Reader, error) {
	r := &Reader{
		path:   path,
		lane:   LaneFromName(path),
		budget: DefaultBudget(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}
	for _, option := range options {
		option(r)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening lane file: %w", err)
	}
	defer f.Close()

	if r.data, err = mapFile(f); err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}

	steps := []struct {
		msg string
		fn  func() error
	}{
		{msg: "parsing header", fn: r.parseHeader},
		{msg: "indexing blocks", fn: r.indexBlocks},
		{msg: "indexing beams", fn: r.indexBeams},
	}
	if r.scan {
		steps = append(steps, struct {
			msg string
			fn  func() error
		}{msg: "scanning blocks", fn: r.scanBlocks})
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("%s %s: %w", s.msg, path, err)
		}
	}

	r.logger.Debug("lane file opened",
		slog.Int("lane", r.lane),
		slog.Int("blocks", r.blockCount),
		slog.Any("beams", r.beams),
		slog.Int("fftlen", int(r.header.FFTLength)),
		slog.Int("nffte", int(r.header.SamplesPerBlock)),
	)
	return r, nil
}

// LaneFromName extracts the lane index from a name like "obs_0.spectra",
// or -1 when the name does not carry one.
func LaneFromName(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndex(base, "_")
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return -1
	}
	return n
}

func (r *Reader) parseHeader() (err error) {
	r.header, err = ParseHeader(r.data)
	return
}

func (r *Reader) indexBlocks() error {
	stride := r.header.BlockStride()
	r.blockCount = len(r.data) / stride
	if r.blockCount == 0 {
		return fmt.Errorf("%w: %d bytes hold no complete block of %d bytes", ErrFormat, len(r.data), stride)
	}
	if trailing := len(r.data) - r.blockCount*stride; trailing > 0 {
		r.logger.Debug("ignoring trailing partial block", slog.Int("bytes", trailing))
	}

	r.blockTimes = make([]float64, r.blockCount)
	for i := range r.blockTimes {
		r.blockTimes[i] = r.header.BlockStart(i)
	}
	return nil
}

// indexBeams reads the beam and channel assignment of block 0, which holds
// for every block of the file.
func (r *Reader) indexBeams() error {
	r.tables = make(map[int]*beamTable)
	for p := 0; p < int(r.header.ChannelCount); p++ {
		_, beam, channel := r.beamletMeta(0, p)
		t, ok := r.tables[beam]
		if !ok {
			t = &beamTable{}
			r.tables[beam] = t
			r.beams = append(r.beams, beam)
		}
		f := ChannelFrequency(channel)
		if n := len(t.freqs); n > 0 && f <= t.freqs[n-1] {
			return fmt.Errorf("%w: beam %d channels are not ascending at record %d", ErrFormat, beam, p)
		}
		t.positions = append(t.positions, p)
		t.freqs = append(t.freqs, f)
	}
	slices.Sort(r.beams)
	return nil
}

func (r *Reader) scanBlocks() error {
	stride := r.header.BlockStride()
	for i := 1; i < r.blockCount; i++ {
		h, err := ParseHeader(r.data[i*stride:])
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if !r.header.sameGeometry(h) {
			return fmt.Errorf("%w: block %d geometry differs from block 0", ErrFormat, i)
		}
		if h.Timestamp < r.header.Timestamp {
			return fmt.Errorf("%w: block %d timestamp %d is before block 0 timestamp %d",
				ErrFormat, i, h.Timestamp, r.header.Timestamp)
		}
	}

	last := r.blockCount - 1
	for p := 0; p < int(r.header.ChannelCount); p++ {
		_, b0, c0 := r.beamletMeta(0, p)
		_, b1, c1 := r.beamletMeta(last, p)
		if b0 != b1 || c0 != c1 {
			return fmt.Errorf("%w: block %d record %d is beam %d channel %d, block 0 has beam %d channel %d",
				ErrFormat, last, p, b1, c1, b0, c0)
		}
	}
	return nil
}

func (r *Reader) beamletOffset(block, position int) int {
	return block*r.header.BlockStride() + HeaderSize + position*r.header.BeamletSize()
}

func (r *Reader) beamletMeta(block, position int) (lane, beam int, channel int32) {
	off := r.beamletOffset(block, position)
	le := binary.LittleEndian
	return int(int32(le.Uint32(r.data[off:]))),
		int(int32(le.Uint32(r.data[off+4:]))),
		int32(le.Uint32(r.data[off+8:]))
}

// Close unmaps the file. It is safe to call more than once.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = unmapFile(r.data)
		r.data = nil
	})
	return r.closeErr
}

func (r *Reader) Path() string { return r.path }

// Lane is the lane index taken from the file name.
func (r *Reader) Lane() int { return r.lane }

func (r *Reader) Header() Header { return r.header }

func (r *Reader) BlockCount() int { return r.blockCount }

// Beams lists the beam ids found in the file, ascending.
func (r *Reader) Beams() []int { return slices.Clone(r.beams) }

// TimeBounds returns the start of the first block and the end of the last
// one, in Unix seconds.
func (r *Reader) TimeBounds() (float64, float64) {
	return r.blockTimes[0], r.blockTimes[r.blockCount-1] + r.header.BlockDuration()
}

// FreqBounds returns the lowest channel frequency of beam and the upper edge
// of its highest channel, in MHz.
func (r *Reader) FreqBounds(beam int) (float64, float64, error) {
	t, err := r.table(beam)
	if err != nil {
		return 0, 0, err
	}
	return t.freqs[0], t.freqs[len(t.freqs)-1] + ChannelWidth, nil
}

// Frequencies lists the channel frequencies of beam in MHz.
func (r *Reader) Frequencies(beam int) ([]float64, error) {
	t, err := r.table(beam)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.freqs), nil
}

func (r *Reader) table(beam int) (*beamTable, error) {
	t, ok := r.tables[beam]
	if !ok {
		return nil, fmt.Errorf("%w: beam %d not in %s (beams %v)", ErrRange, beam, filepath.Base(r.path), r.beams)
	}
	return t, nil
}

// Select decodes the window described by sel.
func (r *Reader) Select(sel Selection) (*spectrum.SpecData, error) {
	w, err := r.resolve(sel)
	if err != nil {
		return nil, err
	}

	nt := (w.blockHi - w.blockLo + 1) * int(r.header.SamplesPerBlock)
	nf := (w.chanHi - w.chanLo + 1) * int(r.header.FFTLength)
	if err = r.budget.Check(nt, nf); err != nil {
		return nil, err
	}

	raw := r.extract(w)
	data, err := stokes.Reconstruct(raw, sel.Kind, sel.Bandpass)
	if err != nil {
		return nil, fmt.Errorf("reconstructing %s: %w", sel.Kind, err)
	}

	return r.trim(data, w, sel.Kind)
}

// window is a resolved selection: physical bounds and the covering block
// and channel index ranges (inclusive).
type window struct {
	table            *beamTable
	t0, t1           float64
	f0, f1           float64
	blockLo, blockHi int
	chanLo, chanHi   int
}

func (r *Reader) resolve(sel Selection) (window, error) {
	var w window

	beam := r.beams[0]
	if sel.Beam != nil {
		beam = *sel.Beam
	}
	t, err := r.table(beam)
	if err != nil {
		return w, err
	}
	w.table = t

	tMin, tMax := r.TimeBounds()
	fMin, fMax, _ := r.FreqBounds(beam)

	if w.t0, w.t1, err = r.clamp("time", sel.Time, tMin, tMax); err != nil {
		return w, err
	}
	if w.f0, w.f1, err = r.clamp("frequency", sel.Freq, fMin, fMax); err != nil {
		return w, err
	}

	if sel.MinWidth {
		if dt := r.header.SampleInterval(); w.t1-w.t0 < dt {
			return w, fmt.Errorf("%w: time range %gs < %gs", ErrValueTooSmall, w.t1-w.t0, dt)
		}
		if df := r.header.BinWidth(); w.f1-w.f0 < df {
			return w, fmt.Errorf("%w: frequency range %g MHz < %g MHz", ErrValueTooSmall, w.f1-w.f0, df)
		}
	}

	w.blockLo = Locate(r.blockTimes, w.t0, Low)
	w.blockHi = Locate(r.blockTimes, w.t1, High)
	w.chanLo = Locate(t.freqs, w.f0, Low)
	w.chanHi = Locate(t.freqs, w.f1, High)
	return w, nil
}

// clamp validates rng against [lo, hi]. Bounds outside the file are clamped
// with a warning; inverted ranges and ranges outside the file fail.
func (r *Reader) clamp(axis string, rng *Range, lo, hi float64) (float64, float64, error) {
	if rng == nil {
		return lo, hi, nil
	}
	if rng.Max < rng.Min {
		return 0, 0, fmt.Errorf("%w: %s range [%g, %g] is inverted", ErrRange, axis, rng.Min, rng.Max)
	}

	v0, v1 := rng.Min, rng.Max
	if v0 < lo {
		r.logger.Warn("selection starts out of range, clamped",
			slog.String("axis", axis), slog.Float64("requested", v0), slog.Float64("bound", lo))
		v0 = lo
	}
	if v1 > hi {
		r.logger.Warn("selection ends out of range, clamped",
			slog.String("axis", axis), slog.Float64("requested", v1), slog.Float64("bound", hi))
		v1 = hi
	}
	if v0 >= v1 {
		return 0, 0, fmt.Errorf("%w: %s range [%g, %g] does not overlap [%g, %g]", ErrRange, axis, rng.Min, rng.Max, lo, hi)
	}
	return v0, v1, nil
}

// extract copies fft0 and fft1 of the window out of the mapped file.
func (r *Reader) extract(w window) stokes.Raw {
	nffte, fftlen := int(r.header.SamplesPerBlock), int(r.header.FFTLength)
	blocks := w.blockHi - w.blockLo + 1
	channels := w.chanHi - w.chanLo + 1
	size := r.header.SpectrumSize()

	raw := stokes.Raw{
		Fft0:            make([]float32, blocks*channels*size),
		Fft1:            make([]float32, blocks*channels*size),
		Blocks:          blocks,
		Channels:        channels,
		SamplesPerBlock: nffte,
		FFTLength:       fftlen,
	}

	for b := 0; b < blocks; b++ {
		for c := 0; c < channels; c++ {
			off := r.beamletOffset(w.blockLo+b, w.table.positions[w.chanLo+c]) + beamletMetaSize
			dst := (b*channels + c) * size
			decodeFloats(raw.Fft0[dst:dst+size], r.data[off:])
			decodeFloats(raw.Fft1[dst:dst+size], r.data[off+size*float32Size:])
		}
	}
	return raw
}

func decodeFloats(dst []float32, p []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*float32Size:]))
	}
}

// trim keeps the samples with t0 <= t < t1 and f0 <= f < f1.
func (r *Reader) trim(data *mat.Dense, w window, kind stokes.Kind) (*spectrum.SpecData, error) {
	nffte, fftlen := int(r.header.SamplesPerBlock), int(r.header.FFTLength)
	dt, df := r.header.SampleInterval(), r.header.BinWidth()

	var rowIdx []int
	var times []float64
	for b := w.blockLo; b <= w.blockHi; b++ {
		for k := 0; k < nffte; k++ {
			t := r.blockTimes[b] + float64(k)*dt
			if t >= w.t0 && t < w.t1 {
				rowIdx = append(rowIdx, (b-w.blockLo)*nffte+k)
				times = append(times, t)
			}
		}
	}

	var colIdx []int
	var freqs []float64
	for c := w.chanLo; c <= w.chanHi; c++ {
		for j := 0; j < fftlen; j++ {
			f := w.table.freqs[c] + float64(j)*df
			if f >= w.f0 && f < w.f1 {
				colIdx = append(colIdx, (c-w.chanLo)*fftlen+j)
				freqs = append(freqs, f)
			}
		}
	}

	if len(rowIdx) == 0 || len(colIdx) == 0 {
		return nil, fmt.Errorf("%w: no sample in time [%f, %f) and frequency [%f, %f)",
			ErrRange, w.t0, w.t1, w.f0, w.f1)
	}

	values := make([]float64, len(rowIdx)*len(colIdx))
	for i, ri := range rowIdx {
		src := data.RawRowView(ri)
		dst := values[i*len(colIdx) : (i+1)*len(colIdx)]
		for j, ci := range colIdx {
			dst[j] = src[ci]
		}
	}
	return spectrum.New(mat.NewDense(len(rowIdx), len(colIdx), values), times, freqs, kind)
}
