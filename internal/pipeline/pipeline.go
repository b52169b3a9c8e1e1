// Package pipeline converts, encodes and muxes a machine's media into
// segments and decides when a segment is complete.
package pipeline

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/container"
	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/util"
)

// ErrClosed is returned by submissions after Close.
var ErrClosed = errors.New("pipeline closed")

// Defaults applied by New when a Config field is zero.
const (
	DefaultFlushInterval   = 70 * time.Millisecond
	DefaultMaxSegmentBytes = 4 << 20
)

// Config controls the flush policy and the pipeline hooks.
type Config struct {
	// FlushInterval is the wall-clock time after which the open segment is
	// finalized.
	FlushInterval time.Duration
	// MaxSegmentBytes finalizes the segment early once the buffered encoded
	// bytes exceed it.
	MaxSegmentBytes int

	// OnSegment receives every finalized segment, synchronously on the
	// submitting goroutine. An error is fatal for the pipeline.
	OnSegment func(seg core.Segment) error
	// OnTick runs after every flush decision that fired, whether or not a
	// segment was emitted.
	OnTick func(now time.Time)
	// OnDrop is told about every unit dropped after a recoverable failure.
	OnDrop func(kind string, err error)

	// Now overrides the clock, for tests.
	Now func() time.Time
	// Logger defaults to the global logger.
	Logger *slog.Logger
}

// Pipeline is the media path of one session.
type Pipeline struct {
	cfg    Config
	enc    codec.Encoder
	mux    container.Muxer
	params codec.Params
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	lastFlush time.Time
	sequence  uint64

	img        *image.YCbCr
	audio      *resampler
	audioBase  time.Duration
	audioCount int64
}

// New wires an encoder to a muxer. Both are owned by the pipeline from here
// on and released by Close.
func New(cfg Config, enc codec.Encoder, mux container.Muxer) (*Pipeline, error) {
	if enc == nil || mux == nil {
		return nil, errors.New("pipeline needs an encoder and a muxer")
	}
	if cfg.OnSegment == nil {
		return nil, errors.New("pipeline needs a segment callback")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = util.GetLogger()
	}

	params := enc.Params()
	return &Pipeline{
		cfg:    cfg,
		enc:    enc,
		mux:    mux,
		params: params,
		logger: cfg.Logger.With("component", "pipeline"),
		img: image.NewYCbCr(image.Rect(0, 0, params.Video.Width, params.Video.Height),
			image.YCbCrSubsampleRatio420),
		audio: newResampler(params.Audio.SampleRate, params.Audio.Channels, params.Audio.FrameSize),
	}, nil
}

// Params returns the encoder configuration the pipeline was built with.
func (p *Pipeline) Params() codec.Params { return p.params }

// SubmitVideo converts and encodes one frame, then applies the flush policy.
func (p *Pipeline) SubmitVideo(frame core.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(); err != nil {
		return err
	}

	if err := convertFrame(p.img, frame); err != nil {
		p.drop("video", err)
	} else {
		pkts, err := p.enc.EncodeVideo(p.img, frame.Timestamp)
		if err := p.handleEncode("video", pkts, err); err != nil {
			return err
		}
	}

	return p.poll(p.cfg.Now())
}

// SubmitAudio resamples one chunk, encodes every completed encoder frame and
// applies the flush policy.
func (p *Pipeline) SubmitAudio(chunk core.AudioChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.begin(); err != nil {
		return err
	}

	frames, err := p.audio.Push(chunk)
	if err != nil {
		p.drop("audio", err)
	}
	if p.audioCount == 0 && len(frames) > 0 {
		p.audioBase = chunk.Timestamp
	}
	for _, samples := range frames {
		pts := p.audioBase + time.Duration(p.audioCount)*time.Second/time.Duration(p.params.Audio.SampleRate)
		p.audioCount += int64(p.params.Audio.FrameSize)

		pkts, err := p.enc.EncodeAudio(samples, pts)
		if err := p.handleEncode("audio", pkts, err); err != nil {
			return err
		}
	}

	return p.poll(p.cfg.Now())
}

// Idle applies the flush policy without new media.
func (p *Pipeline) Idle(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.started {
		// no header yet, but the tick keeps its cadence
		if p.lastFlush.IsZero() {
			p.lastFlush = now
		} else if now.Sub(p.lastFlush) > p.cfg.FlushInterval {
			p.lastFlush = now
			if p.cfg.OnTick != nil {
				p.cfg.OnTick(now)
			}
		}
		return nil
	}
	return p.poll(now)
}

// Flush finalizes the open segment immediately.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if !p.started {
		return nil
	}
	return p.flush(p.cfg.Now())
}

// Close releases the encoder. Pending packets are discarded.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.enc.Close()
}

// begin opens the first container segment on the first submission.
func (p *Pipeline) begin() error {
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	if err := p.mux.Begin(); err != nil {
		return errors.Wrap(err, "open container")
	}
	p.started = true
	p.lastFlush = p.cfg.Now()
	return nil
}

func (p *Pipeline) handleEncode(kind string, pkts []codec.Packet, err error) error {
	if err != nil {
		if errors.Is(err, codec.ErrEncoderClosed) {
			return errors.Wrapf(err, "encode %s", kind)
		}
		p.drop(kind, err)
	}
	for _, pkt := range pkts {
		if err := p.mux.WritePacket(pkt); err != nil {
			p.drop(pkt.Track.String(), err)
		}
	}
	return nil
}

func (p *Pipeline) drop(kind string, err error) {
	p.logger.Debug("Dropping media unit", "kind", kind, "error", err)
	if p.cfg.OnDrop != nil {
		p.cfg.OnDrop(kind, err)
	}
}

// poll finalizes the segment once the interval has elapsed or the byte
// ceiling is exceeded.
func (p *Pipeline) poll(now time.Time) error {
	elapsed := now.Sub(p.lastFlush) > p.cfg.FlushInterval
	full := p.mux.Len() > p.cfg.MaxSegmentBytes
	if !elapsed && !full {
		return nil
	}
	return p.flush(now)
}

func (p *Pipeline) flush(now time.Time) error {
	p.lastFlush = now

	if !p.mux.Empty() {
		data, err := p.mux.Finish()
		if err != nil {
			p.drop("segment", err)
		} else {
			p.sequence++
			if err := p.cfg.OnSegment(core.Segment{Sequence: p.sequence, Data: data}); err != nil {
				return errors.Wrap(err, "deliver segment")
			}
		}
		if err := p.mux.Begin(); err != nil {
			return errors.Wrap(err, "open container")
		}
	}

	if p.cfg.OnTick != nil {
		p.cfg.OnTick(now)
	}
	return nil
}
