package pipeline

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/core"
)

type fakeEncoder struct {
	params     codec.Params
	videoSize  int
	videoErr   error
	audioPTS   []time.Duration
	audioCalls int
	closed     bool
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		params: codec.Params{
			Video: codec.VideoParams{Codec: codec.VideoMJPEG, Width: 8, Height: 6, FPS: 15},
			Audio: codec.AudioParams{Codec: codec.AudioPCM, SampleRate: 48000, Channels: 1, FrameSize: 1024},
		},
		videoSize: 10,
	}
}

func (e *fakeEncoder) Params() codec.Params { return e.params }

func (e *fakeEncoder) EncodeVideo(img *image.YCbCr, pts time.Duration) ([]codec.Packet, error) {
	if e.videoErr != nil {
		return nil, e.videoErr
	}
	return []codec.Packet{{Track: codec.TrackVideo, Data: make([]byte, e.videoSize), PTS: pts, Key: true}}, nil
}

func (e *fakeEncoder) EncodeAudio(samples []int16, pts time.Duration) ([]codec.Packet, error) {
	e.audioCalls++
	e.audioPTS = append(e.audioPTS, pts)
	return []codec.Packet{{Track: codec.TrackAudio, Data: make([]byte, len(samples)*2), PTS: pts, Key: true}}, nil
}

func (e *fakeEncoder) Close() error {
	e.closed = true
	return nil
}

type fakeMuxer struct {
	begins  int
	packets []codec.Packet
	bytes   int
}

func (m *fakeMuxer) Begin() error {
	m.begins++
	m.packets = nil
	m.bytes = 0
	return nil
}

func (m *fakeMuxer) WritePacket(pkt codec.Packet) error {
	m.packets = append(m.packets, pkt)
	m.bytes += len(pkt.Data)
	return nil
}

func (m *fakeMuxer) Len() int { return m.bytes }
func (m *fakeMuxer) Empty() bool { return len(m.packets) == 0 }

func (m *fakeMuxer) Finish() ([]byte, error) {
	return make([]byte, m.bytes), nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	p        *Pipeline
	enc      *fakeEncoder
	mux      *fakeMuxer
	clock    *fakeClock
	segments []core.Segment
	ticks    int
	drops    []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		enc:   newFakeEncoder(),
		mux:   &fakeMuxer{},
		clock: &fakeClock{t: time.Unix(1000, 0)},
	}
	cfg.Now = h.clock.Now
	if cfg.OnSegment == nil {
		cfg.OnSegment = func(seg core.Segment) error {
			h.segments = append(h.segments, seg)
			return nil
		}
	}
	cfg.OnTick = func(time.Time) { h.ticks++ }
	cfg.OnDrop = func(kind string, err error) { h.drops = append(h.drops, kind) }

	p, err := New(cfg, h.enc, h.mux)
	require.NoError(t, err)
	h.p = p
	return h
}

func solidFrame(w, h int, c color.RGBA) core.Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.B, c.G, c.R, 0xff
	}
	return core.Frame{Pix: pix, Width: w, Height: h, Format: core.PixelFormatBGRA32}
}

func TestNewRequiresCallback(t *testing.T) {
	_, err := New(Config{}, newFakeEncoder(), &fakeMuxer{})
	assert.Error(t, err)
}

func TestHeaderIsLazy(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, 0, h.mux.begins)

	h.clock.Advance(time.Second)
	require.NoError(t, h.p.Idle(h.clock.Now()))
	assert.Equal(t, 0, h.mux.begins)
	assert.Equal(t, 0, h.ticks)

	require.NoError(t, h.p.SubmitVideo(solidFrame(16, 12, color.RGBA{R: 255})))
	assert.Equal(t, 1, h.mux.begins)
	assert.Len(t, h.mux.packets, 1)
}

func TestFlushOnInterval(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: 70 * time.Millisecond})
	frame := solidFrame(16, 12, color.RGBA{G: 255})

	require.NoError(t, h.p.SubmitVideo(frame))
	h.clock.Advance(70 * time.Millisecond)
	require.NoError(t, h.p.SubmitVideo(frame))
	assert.Empty(t, h.segments, "interval must be exceeded, not reached")

	h.clock.Advance(time.Millisecond)
	require.NoError(t, h.p.SubmitVideo(frame))
	require.Len(t, h.segments, 1)
	assert.Equal(t, uint64(1), h.segments[0].Sequence)
	assert.Len(t, h.segments[0].Data, 30)
	assert.Equal(t, 1, h.ticks)
	assert.Equal(t, 2, h.mux.begins, "a new header follows every flush")

	h.clock.Advance(10 * time.Millisecond)
	require.NoError(t, h.p.SubmitVideo(frame))
	assert.Len(t, h.segments, 1)
}

func TestFlushOnByteCeiling(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: time.Hour, MaxSegmentBytes: 100})
	h.enc.videoSize = 60
	frame := solidFrame(8, 6, color.RGBA{B: 255})

	require.NoError(t, h.p.SubmitVideo(frame))
	assert.Empty(t, h.segments)
	require.NoError(t, h.p.SubmitVideo(frame))
	require.Len(t, h.segments, 1)
	assert.Len(t, h.segments[0].Data, 120)
}

func TestIdleTicksWithoutSegment(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: 70 * time.Millisecond})
	require.NoError(t, h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{})))

	h.clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.p.Idle(h.clock.Now()))
	require.Len(t, h.segments, 1)
	assert.Equal(t, 1, h.ticks)

	// nothing buffered: tick but no empty segment
	h.clock.Advance(100 * time.Millisecond)
	require.NoError(t, h.p.Idle(h.clock.Now()))
	assert.Len(t, h.segments, 1)
	assert.Equal(t, 2, h.ticks)
}

func TestSegmentCountNeverDecreases(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: 70 * time.Millisecond, MaxSegmentBytes: 25})
	frame := solidFrame(8, 6, color.RGBA{})

	last := 0
	for i := 0; i < 50; i++ {
		h.clock.Advance(time.Duration(i%7) * 10 * time.Millisecond)
		if i%3 == 0 {
			require.NoError(t, h.p.SubmitAudio(core.AudioChunk{Samples: make([]int16, 800), SampleCount: 800, SampleRate: 48000, Channels: 1}))
		} else {
			require.NoError(t, h.p.SubmitVideo(frame))
		}
		assert.GreaterOrEqual(t, len(h.segments), last)
		last = len(h.segments)

		// nothing may stay buffered past either threshold
		assert.LessOrEqual(t, h.mux.Len(), 25)
		assert.LessOrEqual(t, h.clock.Now().Sub(h.p.lastFlush), 70*time.Millisecond)
	}
	for i, seg := range h.segments {
		assert.Equal(t, uint64(i+1), seg.Sequence)
	}
}

func TestConversionFailureDropsFrame(t *testing.T) {
	h := newHarness(t, Config{})

	bad := core.Frame{Pix: make([]byte, 3), Width: 8, Height: 6, Format: core.PixelFormatBGRA32}
	require.NoError(t, h.p.SubmitVideo(bad))
	assert.Equal(t, []string{"video"}, h.drops)
	assert.Empty(t, h.mux.packets)
}

func TestEncodeFailureDropsFrame(t *testing.T) {
	h := newHarness(t, Config{})
	h.enc.videoErr = errors.New("bad frame")

	require.NoError(t, h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{})))
	assert.Equal(t, []string{"video"}, h.drops)
}

func TestEncoderClosedIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	h.enc.videoErr = errors.Wrap(codec.ErrEncoderClosed, "process exited")

	err := h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrEncoderClosed))
}

func TestSegmentDeliveryFailureIsFatal(t *testing.T) {
	h := newHarness(t, Config{
		FlushInterval: 70 * time.Millisecond,
		OnSegment:     func(core.Segment) error { return errors.New("broken pipe") },
	})
	require.NoError(t, h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{})))

	h.clock.Advance(time.Second)
	err := h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{}))
	assert.Error(t, err)
}

func TestAudioFraming(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: time.Hour})

	stereo := func(n int) core.AudioChunk {
		return core.AudioChunk{Samples: make([]int16, n*2), SampleCount: n, SampleRate: 48000, Channels: 2, Timestamp: time.Second}
	}

	require.NoError(t, h.p.SubmitAudio(stereo(1500)))
	assert.Equal(t, 1, h.enc.audioCalls)

	require.NoError(t, h.p.SubmitAudio(stereo(600)))
	assert.Equal(t, 2, h.enc.audioCalls)

	require.Len(t, h.enc.audioPTS, 2)
	assert.Equal(t, time.Second, h.enc.audioPTS[0])
	assert.Equal(t, time.Second+1024*time.Second/48000, h.enc.audioPTS[1])

	for _, pkt := range h.mux.packets {
		assert.Len(t, pkt.Data, 2048, "mono 1024-sample frames")
	}
}

func TestBadAudioChunkDropped(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.p.SubmitAudio(core.AudioChunk{Samples: make([]int16, 10), SampleCount: 100, SampleRate: 48000, Channels: 2}))
	assert.Equal(t, []string{"audio"}, h.drops)
	assert.Equal(t, 0, h.enc.audioCalls)
}

func TestClose(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.p.Close())
	assert.True(t, h.enc.closed)

	assert.True(t, errors.Is(h.p.SubmitVideo(solidFrame(8, 6, color.RGBA{})), ErrClosed))
	assert.True(t, errors.Is(h.p.SubmitAudio(core.AudioChunk{}), ErrClosed))
	assert.True(t, errors.Is(h.p.Idle(h.clock.Now()), ErrClosed))
	require.NoError(t, h.p.Close())
}

func TestIdleTicksBeforeFirstSubmission(t *testing.T) {
	h := newHarness(t, Config{FlushInterval: 70 * time.Millisecond})

	require.NoError(t, h.p.Idle(h.clock.Now()))
	for i := 0; i < 3; i++ {
		h.clock.Advance(100 * time.Millisecond)
		require.NoError(t, h.p.Idle(h.clock.Now()))
	}
	assert.Equal(t, 3, h.ticks)
	assert.Equal(t, 0, h.mux.begins)
	assert.Empty(t, h.segments)
}
