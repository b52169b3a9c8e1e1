// Package codec defines the encoder contract used by the media pipeline and
// ships the built-in encoder profiles.
package codec

import (
	"image"
	"time"

	"github.com/pkg/errors"
)

// TrackKind distinguishes video and audio packets.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// VideoCodec names an encoded video format.
type VideoCodec string

// AudioCodec names an encoded audio format.
type AudioCodec string

const (
	VideoMJPEG VideoCodec = "mjpeg"
	VideoH264  VideoCodec = "h264"

	AudioPCM AudioCodec = "pcm_s16le"
	AudioAAC AudioCodec = "aac"
)

// VideoParams describes the encoder's fixed video output.
type VideoParams struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
	// H.264 parameter sets when known up front (global header).
	SPS []byte
	PPS []byte
}

// AudioParams describes the encoder's fixed audio input and output.
type AudioParams struct {
	Codec      AudioCodec
	SampleRate int
	Channels   int
	FrameSize  int // samples per channel per encoder frame
}

// Params is the full encoder configuration a container needs for its header.
type Params struct {
	Video VideoParams
	Audio AudioParams
}

// Packet is one encoded unit. H.264 video data is Annex-B.
type Packet struct {
	Track    TrackKind
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
	Key      bool
}

// Encoder turns converted video frames and fixed-size PCM frames into packets.
// An encoder may return zero packets for an input and deliver them later.
type Encoder interface {
	Params() Params
	EncodeVideo(img *image.YCbCr, pts time.Duration) ([]Packet, error)
	// EncodeAudio takes exactly FrameSize*Channels interleaved samples.
	EncodeAudio(samples []int16, pts time.Duration) ([]Packet, error)
	Close() error
}

// ErrEncoderClosed is returned once an encoder can no longer produce output.
// Unlike per-packet errors it ends the session.
var ErrEncoderClosed = errors.New("encoder closed")

// ErrUnknownProfile is returned by New for an unregistered profile name.
var ErrUnknownProfile = errors.New("unknown encoder profile")

// Options configures an encoder profile.
type Options struct {
	Width       int
	Height      int
	FPS         int
	SampleRate  int
	Channels    int
	FrameSize   int
	JPEGQuality int
	FFmpegPath  string
}

// Profile names.
const (
	ProfileMJPEG = "mjpeg"
	ProfileH264  = "h264"
)

// Profiles lists the profile names New accepts.
func Profiles() []string {
	return []string{ProfileMJPEG, ProfileH264}
}

// New opens the encoder for a profile.
func New(profile string, opts Options) (Encoder, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Width%2 != 0 || opts.Height%2 != 0 {
		return nil, errors.Errorf("invalid output size %dx%d: must be positive and even", opts.Width, opts.Height)
	}
	if opts.FPS <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", opts.FPS)
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, errors.Errorf("invalid audio layout %d Hz x %d", opts.SampleRate, opts.Channels)
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = DefaultFrameSize
	}

	switch profile {
	case ProfileMJPEG:
		return NewMJPEG(opts), nil
	case ProfileH264:
		return NewFFmpeg(opts)
	}
	return nil, errors.Wrapf(ErrUnknownProfile, "profile %q", profile)
}

// DefaultFrameSize is the AAC frame length, also used for PCM framing.
const DefaultFrameSize = 1024
