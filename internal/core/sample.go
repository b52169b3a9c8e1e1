package core

import "time"

// PixelFormat identifies the memory layout of a Frame.
type PixelFormat int

const (
	PixelFormatBGRA32 PixelFormat = iota // B,G,R,A bytes per pixel (SDL ARGB8888 on little endian)
	PixelFormatRGBA32
	PixelFormatRGB24
)

// BytesPerPixel returns the pixel size of the format, or 0 if unknown.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatBGRA32, PixelFormatRGBA32:
		return 4
	case PixelFormatRGB24:
		return 3
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA32:
		return "bgra32"
	case PixelFormatRGBA32:
		return "rgba32"
	case PixelFormatRGB24:
		return "rgb24"
	}
	return "unknown"
}

// Frame is one raw display update produced by a machine.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Stride    int // bytes per row; 0 means Width*BytesPerPixel
	Format    PixelFormat
	Timestamp time.Duration // capture time relative to machine start
}

// RowStride returns the effective row stride.
func (f *Frame) RowStride() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * f.Format.BytesPerPixel()
}

// AudioChunk is one audio callback worth of interleaved signed 16-bit PCM.
type AudioChunk struct {
	Samples     []int16
	SampleCount int // samples per channel
	SampleRate  int
	Channels    int
	Timestamp   time.Duration
}

// Segment is one finalized, independently playable slice of container output.
type Segment struct {
	Sequence uint64
	Data     []byte
}
