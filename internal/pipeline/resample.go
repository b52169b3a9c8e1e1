package pipeline

import (
	"math"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/core"
)

// resampler converts interleaved S16 audio to the encoder's rate and channel
// layout and cuts it into fixed-size frames. Interpolation state is carried
// across chunks.
type resampler struct {
	outRate   int
	outCh     int
	frameSize int

	inRate  int
	pos     float64
	prev    []float64
	pending []int16
}

func newResampler(outRate, outCh, frameSize int) *resampler {
	return &resampler{outRate: outRate, outCh: outCh, frameSize: frameSize}
}

// Push converts one chunk and returns every encoder frame completed by it.
func (r *resampler) Push(c core.AudioChunk) ([][]int16, error) {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return nil, errors.Errorf("invalid audio layout %d Hz x %d", c.SampleRate, c.Channels)
	}
	if len(c.Samples) < c.SampleCount*c.Channels {
		return nil, errors.Errorf("audio chunk holds %d samples, header says %d", len(c.Samples), c.SampleCount*c.Channels)
	}
	if c.Channels != r.outCh && r.outCh != 1 && c.Channels != 1 {
		return nil, errors.Errorf("cannot map %d channels to %d", c.Channels, r.outCh)
	}

	if c.SampleRate != r.inRate {
		r.inRate = c.SampleRate
		r.pos = 0
		r.prev = nil
	}

	frames := r.mix(c)
	r.resample(frames)

	var out [][]int16
	n := r.frameSize * r.outCh
	for len(r.pending) >= n {
		frame := make([]int16, n)
		copy(frame, r.pending[:n])
		out = append(out, frame)
		r.pending = r.pending[n:]
	}
	return out, nil
}

// mix maps the chunk's channel layout to the output layout, one []float64
// of outCh values per input frame.
func (r *resampler) mix(c core.AudioChunk) [][]float64 {
	frames := make([][]float64, c.SampleCount)
	for i := range frames {
		in := c.Samples[i*c.Channels : (i+1)*c.Channels]
		out := make([]float64, r.outCh)
		switch {
		case r.outCh == c.Channels:
			for ch := range out {
				out[ch] = float64(in[ch])
			}
		case r.outCh == 1:
			var sum float64
			for _, s := range in {
				sum += float64(s)
			}
			out[0] = sum / float64(c.Channels)
		default:
			for ch := range out {
				out[ch] = float64(in[0])
			}
		}
		frames[i] = out
	}
	return frames
}

func (r *resampler) resample(frames [][]float64) {
	if len(frames) == 0 {
		return
	}
	if r.inRate == r.outRate {
		for _, f := range frames {
			r.pending = appendFrame(r.pending, f)
		}
		return
	}

	src := frames
	if r.prev != nil {
		src = append([][]float64{r.prev}, frames...)
	}

	step := float64(r.inRate) / float64(r.outRate)
	for r.pos+1 < float64(len(src)) {
		i := int(r.pos)
		frac := r.pos - float64(i)
		out := make([]float64, r.outCh)
		for ch := range out {
			out[ch] = src[i][ch]*(1-frac) + src[i+1][ch]*frac
		}
		r.pending = appendFrame(r.pending, out)
		r.pos += step
	}

	r.prev = src[len(src)-1]
	r.pos -= float64(len(src) - 1)
}

func appendFrame(dst []int16, f []float64) []int16 {
	for _, v := range f {
		dst = append(dst, clamp16(v))
	}
	return dst
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
