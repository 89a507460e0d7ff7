// Package lanetest writes synthetic lane files for tests.
package lanetest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/AlanLoh/nenupy-tf/internal/lane"
)

// Beam is one beam of a synthetic file and its backend channel numbers, ascending.
type Beam struct {
	ID       int
	Channels []int32
}

// ValueFunc returns the fft0 (xx, yy) and fft1 (re, im) pair stored for a
// sample at the given on-disk bin, before the half swap.
type ValueFunc func(block, beam int, channel int32, sample, bin int) (xx, yy, re, im float32)

// File describes a synthetic lane file. Block i starts at
// Timestamp + i * BlockDuration, so blocks are contiguous.
type File struct {
	Lane      int
	Timestamp uint64
	Sequence  uint64 // BlockSequence of block 0
	Blocks    int

	FFTLength       int32
	FFTIntegration  int32
	SamplesPerBlock int32

	Beams    []Beam
	Value    ValueFunc
	Trailing int // extra bytes appended after the last block
}

// Default returns a two block file of 4 channels on beam 0, fftlen 16,
// nfft2int 1250 and nffte 10, i.e. 0.1024 s samples and 1.024 s blocks.
func Default() File {
	return File{
		Timestamp:       1_600_000_000,
		Blocks:          2,
		FFTLength:       16,
		FFTIntegration:  1250,
		SamplesPerBlock: 10,
		Beams:           []Beam{{ID: 0, Channels: []int32{200, 201, 202, 203}}},
		Value:           Constant(1, 2, 3, 4),
	}
}

// Constant stores the same values everywhere.
func Constant(xx, yy, re, im float32) ValueFunc {
	return func(int, int, int32, int, int) (float32, float32, float32, float32) {
		return xx, yy, re, im
	}
}

func (f File) channelCount() int {
	n := 0
	for _, b := range f.Beams {
		n += len(b.Channels)
	}
	return n
}

// Header returns the header of block i.
func (f File) Header(i int) lane.Header {
	ticks := uint64(f.FFTLength) * uint64(f.FFTIntegration) * uint64(f.SamplesPerBlock)
	return lane.Header{
		Index:           uint64(i),
		Timestamp:       f.Timestamp,
		BlockSequence:   f.Sequence + uint64(i)*ticks,
		FFTLength:       f.FFTLength,
		FFTIntegration:  f.FFTIntegration,
		SamplesPerBlock: f.SamplesPerBlock,
		ChannelCount:    int32(f.channelCount()),
	}
}

// Bytes encodes the file.
func (f File) Bytes() []byte {
	var out []byte
	le := binary.LittleEndian
	fftlen, nffte := int(f.FFTLength), int(f.SamplesPerBlock)

	for i := 0; i < f.Blocks; i++ {
		h, _ := f.Header(i).MarshalBinary()
		out = append(out, h...)

		for _, beam := range f.Beams {
			for _, ch := range beam.Channels {
				out = le.AppendUint32(out, uint32(int32(f.Lane)))
				out = le.AppendUint32(out, uint32(int32(beam.ID)))
				out = le.AppendUint32(out, uint32(ch))

				fft0 := make([]byte, 0, nffte*fftlen*2*4)
				fft1 := make([]byte, 0, nffte*fftlen*2*4)
				for k := 0; k < nffte; k++ {
					for j := 0; j < fftlen; j++ {
						xx, yy, re, im := f.Value(i, beam.ID, ch, k, j)
						fft0 = le.AppendUint32(fft0, math.Float32bits(xx))
						fft0 = le.AppendUint32(fft0, math.Float32bits(yy))
						fft1 = le.AppendUint32(fft1, math.Float32bits(re))
						fft1 = le.AppendUint32(fft1, math.Float32bits(im))
					}
				}
				out = append(out, fft0...)
				out = append(out, fft1...)
			}
		}
	}
	return append(out, make([]byte, f.Trailing)...)
}

// Write stores f as dir/<name>_<lane>.spectra and returns the path.
func Write(tb testing.TB, dir, name string, f File) string {
	tb.Helper()
	path := filepath.Join(dir, name+"_"+strconv.Itoa(f.Lane)+lane.Extension)
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		tb.Fatalf("Failed to write lane file: %v", err)
	}
	return path
}
