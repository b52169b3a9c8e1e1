package codec

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"time"

	"github.com/pkg/errors"
)

// MJPEGEncoder encodes every frame as a standalone JPEG and passes audio
// through as little-endian PCM. Every video packet is a keyframe.
type MJPEGEncoder struct {
	opts   Options
	params Params
	buf    bytes.Buffer
	closed bool
}

// NewMJPEG creates the built-in pure Go encoder.
func NewMJPEG(opts Options) *MJPEGEncoder {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = jpeg.DefaultQuality
	}
	return &MJPEGEncoder{
		opts: opts,
		params: Params{
			Video: VideoParams{Codec: VideoMJPEG, Width: opts.Width, Height: opts.Height, FPS: opts.FPS},
			Audio: AudioParams{Codec: AudioPCM, SampleRate: opts.SampleRate, Channels: opts.Channels, FrameSize: opts.FrameSize},
		},
	}
}

func (e *MJPEGEncoder) Params() Params { return e.params }

func (e *MJPEGEncoder) EncodeVideo(img *image.YCbCr, pts time.Duration) ([]Packet, error) {
	if e.closed {
		return nil, ErrEncoderClosed
	}
	if img == nil {
		return nil, errors.New("nil image")
	}
	if b := img.Bounds(); b.Dx() != e.opts.Width || b.Dy() != e.opts.Height {
		return nil, errors.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), e.opts.Width, e.opts.Height)
	}

	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: e.opts.JPEGQuality}); err != nil {
		return nil, errors.Wrap(err, "jpeg encode")
	}
	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())

	return []Packet{{
		Track:    TrackVideo,
		Data:     data,
		PTS:      pts,
		Duration: time.Second / time.Duration(e.opts.FPS),
		Key:      true,
	}}, nil
}

func (e *MJPEGEncoder) EncodeAudio(samples []int16, pts time.Duration) ([]Packet, error) {
	if e.closed {
		return nil, ErrEncoderClosed
	}
	want := e.opts.FrameSize * e.opts.Channels
	if len(samples) != want {
		return nil, errors.Errorf("audio frame has %d samples, want %d", len(samples), want)
	}

	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return []Packet{{
		Track:    TrackAudio,
		Data:     data,
		PTS:      pts,
		Duration: time.Duration(e.opts.FrameSize) * time.Second / time.Duration(e.opts.SampleRate),
		Key:      true,
	}}, nil
}

func (e *MJPEGEncoder) Close() error {
	e.closed = true
	return nil
}
