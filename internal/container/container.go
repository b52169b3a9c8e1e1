// Package container turns encoder packets into self-contained segments.
// Every segment carries its own header so a client can start playback from
// any of them.
package container

import (
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/codec"
)

// Muxer builds one segment at a time.
type Muxer interface {
	// Begin opens a new segment and writes its header.
	Begin() error
	// WritePacket appends a packet to the open segment.
	WritePacket(pkt codec.Packet) error
	// Len reports the encoded payload bytes held by the open segment.
	Len() int
	// Empty reports whether no packet was written since Begin.
	Empty() bool
	// Finish writes the trailer and returns the segment. The muxer is left
	// without an open segment until the next Begin.
	Finish() ([]byte, error)
}

// ErrNoSegment is returned by WritePacket and Finish when Begin was not called.
var ErrNoSegment = errors.New("no open segment")

// ErrUnsupported is returned by New for a codec pair no container can hold.
var ErrUnsupported = errors.New("unsupported codec combination")

// New picks the container for the encoder's output.
func New(params codec.Params) (Muxer, error) {
	switch {
	case params.Video.Codec == codec.VideoMJPEG && params.Audio.Codec == codec.AudioPCM:
		return NewWebM(params), nil
	case params.Video.Codec == codec.VideoH264 && params.Audio.Codec == codec.AudioAAC:
		return NewFMP4(params), nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "%s + %s", params.Video.Codec, params.Audio.Codec)
}
