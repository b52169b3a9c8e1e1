package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// accessUnitSplitter cuts an H.264 Annex-B byte stream into access units.
// The stream must carry access unit delimiters (NAL type 9).
type accessUnitSplitter struct {
	buf []byte
}

// Feed appends data and returns every access unit that is now complete.
func (s *accessUnitSplitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	starts := delimiterOffsets(s.buf)
	if len(starts) == 0 {
		return nil
	}

	var out [][]byte
	if starts[0] > 0 {
		out = append(out, clone(s.buf[:starts[0]]))
	}
	for i := 0; i+1 < len(starts); i++ {
		out = append(out, clone(s.buf[starts[i]:starts[i+1]]))
	}

	last := starts[len(starts)-1]
	s.buf = append(s.buf[:0], s.buf[last:]...)
	return out
}

// Flush returns whatever is buffered as a final access unit.
func (s *accessUnitSplitter) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	au := clone(s.buf)
	s.buf = s.buf[:0]
	return au
}

// delimiterOffsets returns the offsets of start codes that introduce an
// access unit delimiter. 4-byte start codes are reported at their first zero.
func delimiterOffsets(b []byte) []int {
	var offs []int
	for i := 0; i+3 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 || b[i+2] != 1 {
			continue
		}
		if h264.NALUType(b[i+3]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			start := i
			if i > 0 && b[i-1] == 0 {
				start = i - 1
			}
			offs = append(offs, start)
		}
		i += 2
	}
	return offs
}

// accessUnitPacket strips delimiters from an access unit and reports whether
// it holds an IDR slice. The result keeps Annex-B framing with 4-byte start codes.
func accessUnitPacket(au []byte) (data []byte, key bool, err error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(au); err != nil {
		return nil, false, err
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeIDR:
			key = true
		}
		data = append(data, 0, 0, 0, 1)
		data = append(data, nalu...)
	}
	return data, key, nil
}

// adtsSplitter cuts an AAC ADTS byte stream into raw AAC frames.
type adtsSplitter struct {
	buf []byte
}

// Feed appends data and returns the raw payload of every complete ADTS frame.
func (s *adtsSplitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var out [][]byte
	off := 0
	for len(s.buf)-off >= 7 {
		b := s.buf[off:]
		if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
			// lost sync, scan forward
			off++
			continue
		}

		headerLen := 7
		if b[1]&0x01 == 0 {
			headerLen = 9
		}
		frameLen := int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5])>>5
		if frameLen < headerLen {
			off++
			continue
		}
		if len(b) < frameLen {
			break
		}
		out = append(out, clone(b[headerLen:frameLen]))
		off += frameLen
	}

	s.buf = append(s.buf[:0], s.buf[off:]...)
	return out
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
