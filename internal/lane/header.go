package lane

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size in bytes of the header prefixing the file and every block.
	HeaderSize = 3*8 + 6*4

	// SampleRate is the period of the backend clock in seconds (1024 / 200 MHz).
	SampleRate = 5.12e-6

	// ChannelWidth is the width of one beamlet in MHz.
	ChannelWidth = 200e6 / 1024 * 1e-6

	beamletMetaSize = 3 * 4
	float32Size     = 4
)

// Header is the fixed binary record found at the start of a lane file.
// Every block repeats it; Timestamp and BlockSequence vary per block while
// the geometry fields are constant.
type Header struct {
	Index           uint64
	Timestamp       uint64 // Unix seconds
	BlockSequence   uint64 // backend clock ticks since Timestamp
	FFTLength       int32  // fftlen: frequency bins per beamlet
	FFTIntegration  int32  // nfft2int: FFTs integrated per sample
	FFTOverlap      int32
	Apodisation     int32
	SamplesPerBlock int32 // nffte: time samples per block
	ChannelCount    int32 // nbchan: beamlets per block
}

// ParseHeader decodes a little-endian header from the first HeaderSize bytes of p.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes available, header needs %d", ErrFormat, len(p), HeaderSize)
	}

	le := binary.LittleEndian
	h := Header{
		Index:           le.Uint64(p[0:]),
		Timestamp:       le.Uint64(p[8:]),
		BlockSequence:   le.Uint64(p[16:]),
		FFTLength:       int32(le.Uint32(p[24:])),
		FFTIntegration:  int32(le.Uint32(p[28:])),
		FFTOverlap:      int32(le.Uint32(p[32:])),
		Apodisation:     int32(le.Uint32(p[36:])),
		SamplesPerBlock: int32(le.Uint32(p[40:])),
		ChannelCount:    int32(le.Uint32(p[44:])),
	}

	switch {
	case h.FFTLength <= 0:
		return Header{}, fmt.Errorf("%w: fftlen %d", ErrFormat, h.FFTLength)
	case h.FFTIntegration <= 0:
		return Header{}, fmt.Errorf("%w: nfft2int %d", ErrFormat, h.FFTIntegration)
	case h.SamplesPerBlock <= 0:
		return Header{}, fmt.Errorf("%w: nffte %d", ErrFormat, h.SamplesPerBlock)
	case h.ChannelCount <= 0:
		return Header{}, fmt.Errorf("%w: nbchan %d", ErrFormat, h.ChannelCount)
	}
	return h, nil
}

// MarshalBinary encodes the header in the on-disk layout.
func (h Header) MarshalBinary() ([]byte, error) {
	p := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint64(p[0:], h.Index)
	le.PutUint64(p[8:], h.Timestamp)
	le.PutUint64(p[16:], h.BlockSequence)
	le.PutUint32(p[24:], uint32(h.FFTLength))
	le.PutUint32(p[28:], uint32(h.FFTIntegration))
	le.PutUint32(p[32:], uint32(h.FFTOverlap))
	le.PutUint32(p[36:], uint32(h.Apodisation))
	le.PutUint32(p[40:], uint32(h.SamplesPerBlock))
	le.PutUint32(p[44:], uint32(h.ChannelCount))
	return p, nil
}

// SpectrumSize is the number of float32 values of one fft0 (or fft1) array.
func (h Header) SpectrumSize() int {
	return int(h.SamplesPerBlock) * int(h.FFTLength) * 2
}

// BeamletSize is the byte size of one beamlet record.
func (h Header) BeamletSize() int {
	return beamletMetaSize + 2*h.SpectrumSize()*float32Size
}

// BlockStride is the byte size of one block, header copy included.
func (h Header) BlockStride() int {
	return HeaderSize + int(h.ChannelCount)*h.BeamletSize()
}

// SampleInterval is the duration of one time sample in seconds.
func (h Header) SampleInterval() float64 {
	return SampleRate * float64(h.FFTLength) * float64(h.FFTIntegration)
}

// BlockDuration is the duration of one block in seconds.
func (h Header) BlockDuration() float64 {
	return h.SampleInterval() * float64(h.SamplesPerBlock)
}

// BinWidth is the frequency step between two FFT bins in MHz.
func (h Header) BinWidth() float64 {
	return 1.0 / SampleRate / float64(h.FFTLength) * 1e-6
}

// BlockStart is the start of block i in Unix seconds, counted from the
// Timestamp of h. BlockSequence does not enter the time axis.
func (h Header) BlockStart(i int) float64 {
	return float64(h.Timestamp) + float64(i)*h.BlockDuration()
}

// sameGeometry reports whether o describes the same block layout as h.
func (h Header) sameGeometry(o Header) bool {
	return h.FFTLength == o.FFTLength &&
		h.FFTIntegration == o.FFTIntegration &&
		h.FFTOverlap == o.FFTOverlap &&
		h.Apodisation == o.Apodisation &&
		h.SamplesPerBlock == o.SamplesPerBlock &&
		h.ChannelCount == o.ChannelCount
}

// ChannelFrequency converts a backend channel number to its frequency in MHz.
func ChannelFrequency(channel int32) float64 {
	return float64(channel) * ChannelWidth
}
