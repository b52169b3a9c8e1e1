package container

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

// annexBToAVCC converts an Annex-B access unit into 4-byte length-prefixed
// NAL units and returns any parameter sets it carried.
func annexBToAVCC(data []byte) (avcc, sps, pps []byte, err error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(data); err != nil {
		return nil, nil, nil, errors.Wrap(err, "parse annex-b")
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
		avcc = binary.BigEndian.AppendUint32(avcc, uint32(len(nalu)))
		avcc = append(avcc, nalu...)
	}
	return avcc, sps, pps, nil
}
