package container

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/util"
)

const webmCloseTimeout = time.Second

// WebM writes MJPEG video and PCM audio as a Matroska stream per segment.
type WebM struct {
	params codec.Params
	tracks []webm.TrackEntry

	sink    *segmentSink
	video   webm.BlockWriteCloser
	audio   webm.BlockWriteCloser
	bytes   int
	packets int
}

func NewWebM(params codec.Params) *WebM {
	return &WebM{
		params: params,
		tracks: []webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        1,
				CodecID:         "V_MJPEG",
				TrackType:       1,
				DefaultDuration: uint64(time.Second / time.Duration(params.Video.FPS)),
				Video: &webm.Video{
					PixelWidth:  uint64(params.Video.Width),
					PixelHeight: uint64(params.Video.Height),
				},
			},
			{
				Name:        "Audio",
				TrackNumber: 2,
				TrackUID:    2,
				CodecID:     "A_PCM/INT/LIT",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(params.Audio.SampleRate),
					Channels:          uint64(params.Audio.Channels),
				},
			},
		},
	}
}

// segmentSink collects one segment. The block writer may write from its own
// goroutine, so access is locked and Close is signalled on done.
type segmentSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	done   chan struct{}
	closed bool
}

func newSegmentSink() *segmentSink {
	return &segmentSink{done: make(chan struct{})}
}

func (s *segmentSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(p)
}

func (s *segmentSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *segmentSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

func (m *WebM) Begin() error {
	sink := newSegmentSink()
	writers, err := webm.NewSimpleBlockWriter(sink, m.tracks,
		mkvcore.WithOnFatalHandler(func(err error) {
			util.GetLogger().Warn("WebM segment writer failed", "error", err)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "open webm segment")
	}

	m.sink = sink
	m.video = writers[0]
	m.audio = writers[1]
	m.bytes = 0
	m.packets = 0
	return nil
}

func (m *WebM) WritePacket(pkt codec.Packet) error {
	if m.sink == nil {
		return ErrNoSegment
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	w := m.video
	if pkt.Track == codec.TrackAudio {
		w = m.audio
	}
	if _, err := w.Write(pkt.Key, pkt.PTS.Milliseconds(), pkt.Data); err != nil {
		return errors.Wrapf(err, "write %s block", pkt.Track)
	}
	m.bytes += len(pkt.Data)
	m.packets++
	return nil
}

func (m *WebM) Len() int { return m.bytes }

func (m *WebM) Empty() bool { return m.packets == 0 }

// Finish closes both tracks and waits for the writer to release the sink.
func (m *WebM) Finish() ([]byte, error) {
	if m.sink == nil {
		return nil, ErrNoSegment
	}
	sink := m.sink
	m.sink = nil

	m.video.Close()
	m.audio.Close()

	select {
	case <-sink.done:
	case <-time.After(webmCloseTimeout):
		return nil, errors.New("webm segment writer did not finish")
	}
	return sink.Bytes(), nil
}
