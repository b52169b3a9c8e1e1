package container

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/codec"
)

const (
	fmp4VideoTrackID   = 1
	fmp4AudioTrackID   = 2
	fmp4VideoTimeScale = 90000
)

// ErrMissingParameterSets is returned by Finish while no SPS/PPS has been
// seen on the video track.
var ErrMissingParameterSets = errors.New("h264 parameter sets not yet known")

// FMP4 writes H.264 and AAC packets as an init segment followed by a single
// fragment.
type FMP4 struct {
	params codec.Params
	sps    []byte
	pps    []byte

	open     bool
	bytes    int
	sequence uint32

	video     []*fmp4.Sample
	videoBase uint64
	audio     []*fmp4.Sample
	audioBase uint64
}

func NewFMP4(params codec.Params) *FMP4 {
	return &FMP4{
		params:   params,
		sps:      params.Video.SPS,
		pps:      params.Video.PPS,
		sequence: 1,
	}
}

func (m *FMP4) Begin() error {
	m.open = true
	m.bytes = 0
	m.video = nil
	m.audio = nil
	return nil
}

func (m *FMP4) WritePacket(pkt codec.Packet) error {
	if !m.open {
		return ErrNoSegment
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	switch pkt.Track {
	case codec.TrackVideo:
		avcc, sps, pps, err := annexBToAVCC(pkt.Data)
		if err != nil {
			return err
		}
		if sps != nil {
			m.sps = sps
		}
		if pps != nil {
			m.pps = pps
		}
		if len(m.video) == 0 {
			m.videoBase = scaleDuration(pkt.PTS, fmp4VideoTimeScale)
		}
		m.video = append(m.video, &fmp4.Sample{
			Duration:        uint32(scaleDuration(pkt.Duration, fmp4VideoTimeScale)),
			IsNonSyncSample: !pkt.Key,
			Payload:         avcc,
		})
		m.bytes += len(avcc)

	case codec.TrackAudio:
		rate := uint32(m.params.Audio.SampleRate)
		if len(m.audio) == 0 {
			m.audioBase = scaleDuration(pkt.PTS, rate)
		}
		m.audio = append(m.audio, &fmp4.Sample{
			Duration: uint32(scaleDuration(pkt.Duration, rate)),
			Payload:  pkt.Data,
		})
		m.bytes += len(pkt.Data)
	}
	return nil
}

func (m *FMP4) Len() int { return m.bytes }

func (m *FMP4) Empty() bool { return len(m.video) == 0 && len(m.audio) == 0 }

// Finish marshals the init segment and one fragment holding every buffered
// sample. Without parameter sets the buffered samples are discarded.
func (m *FMP4) Finish() ([]byte, error) {
	if !m.open {
		return nil, ErrNoSegment
	}
	m.open = false

	if m.sps == nil || m.pps == nil {
		return nil, ErrMissingParameterSets
	}

	videoCodec := &mp4.CodecH264{SPS: m.sps, PPS: m.pps}
	audioCodec := &mp4.CodecMPEG4Audio{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   m.params.Audio.SampleRate,
			ChannelCount: m.params.Audio.Channels,
		},
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{ID: fmp4VideoTrackID, TimeScale: fmp4VideoTimeScale, Codec: videoCodec},
			{ID: fmp4AudioTrackID, TimeScale: uint32(m.params.Audio.SampleRate), Codec: audioCodec},
		},
	}

	var initBuf seekablebuffer.Buffer
	if err := init.Marshal(&initBuf); err != nil {
		return nil, errors.Wrap(err, "marshal init segment")
	}
	out := initBuf.Bytes()

	part := &fmp4.Part{SequenceNumber: m.sequence}
	if len(m.video) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4VideoTrackID,
			BaseTime: m.videoBase,
			Samples:  m.video,
		})
	}
	if len(m.audio) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       fmp4AudioTrackID,
			BaseTime: m.audioBase,
			Samples:  m.audio,
		})
	}
	if len(part.Tracks) > 0 {
		var partBuf seekablebuffer.Buffer
		if err := part.Marshal(&partBuf); err != nil {
			return nil, errors.Wrap(err, "marshal fragment")
		}
		out = append(out, partBuf.Bytes()...)
		m.sequence++
	}

	return out, nil
}

func scaleDuration(d time.Duration, timeScale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) * uint64(timeScale) / uint64(time.Second)
}
