package audio

import (
	"encoding/binary"
	"math"
)

// Floats decodes the buffer into interleaved samples in [-1, 1].
func Floats(b Buffer) []float32 {
	switch b.Format {
	case Int16:
		out := make([]float32, len(b.Samples)/2)
		for i := range out {
			v := int16(binary.LittleEndian.Uint16(b.Samples[i*2:]))
			out[i] = float32(v) / 32768
		}
		return out
	case Float32:
		out := make([]float32, len(b.Samples)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.Samples[i*4:]))
		}
		return out
	default:
		return nil
	}
}

// FromFloats encodes interleaved samples with the given layout. Values are
// clipped to [-1, 1] when encoding int16.
func FromFloats(samples []float32, layout Layout) Buffer {
	buf := Buffer{SampleRate: layout.SampleRate, Channels: layout.Channels, Format: layout.Format}
	switch layout.Format {
	case Int16:
		buf.Samples = make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(buf.Samples[i*2:], uint16(floatToInt16(s)))
		}
	case Float32:
		buf.Samples = make([]byte, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(buf.Samples[i*4:], math.Float32bits(s))
		}
	}
	return buf
}

func floatToInt16(s float32) int16 {
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	return int16(math.Round(float64(s) * 32767))
}

// Convert returns b reshaped to layout: channels are mixed down or duplicated,
// the rate is changed by linear interpolation and samples are re-encoded.
// A buffer already in the target layout is returned as is.
func Convert(b Buffer, layout Layout) Buffer {
	if b.Layout() == layout {
		return b
	}
	samples := Floats(b)
	samples = convertChannels(samples, b.Channels, layout.Channels)
	samples = resample(samples, layout.Channels, b.SampleRate, layout.SampleRate)
	return FromFloats(samples, layout)
}

func convertChannels(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]float32, frames*to)
	for f := 0; f < frames; f++ {
		frame := samples[f*from : (f+1)*from]
		if to == 1 {
			var sum float32
			for _, s := range frame {
				sum += s
			}
			out[f] = sum / float32(from)
			continue
		}
		for c := 0; c < to; c++ {
			if from == 1 {
				out[f*to+c] = frame[0]
			} else if c < from {
				out[f*to+c] = frame[c]
			}
		}
	}
	return out
}

func resample(samples []float32, channels, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || channels <= 0 {
		return samples
	}
	inFrames := len(samples) / channels
	if inFrames == 0 {
		return samples[:0]
	}
	outFrames := int(math.Round(float64(inFrames) * float64(to) / float64(from)))
	out := make([]float32, outFrames*channels)
	ratio := float64(from) / float64(to)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * ratio
		i := int(pos)
		frac := float32(pos - float64(i))
		next := i + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		if i >= inFrames {
			i = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := samples[i*channels+c]
			b := samples[next*channels+c]
			out[f*channels+c] = a + (b-a)*frac
		}
	}
	return out
}

// Peak is the largest absolute sample value.
func Peak(b Buffer) float32 {
	var peak float32
	for _, s := range Floats(b) {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Normalize scales b so its peak reaches target. Silent buffers are returned unchanged.
func Normalize(b Buffer, target float32) Buffer {
	peak := Peak(b)
	if peak == 0 || target <= 0 {
		return b
	}
	gain := target / peak
	samples := Floats(b)
	for i := range samples {
		samples[i] *= gain
	}
	return FromFloats(samples, b.Layout())
}

// TrimSilence drops leading and trailing frames whose every channel stays
// below threshold. A buffer that is silent throughout comes back empty.
func TrimSilence(b Buffer, threshold float32) Buffer {
	samples := Floats(b)
	channels := b.Channels
	if channels <= 0 {
		return b
	}
	frames := len(samples) / channels
	loud := func(f int) bool {
		for c := 0; c < channels; c++ {
			s := samples[f*channels+c]
			if s > threshold || s < -threshold {
				return true
			}
		}
		return false
	}
	start := 0
	for start < frames && !loud(start) {
		start++
	}
	end := frames
	for end > start && !loud(end-1) {
		end--
	}
	size := b.FrameSize()
	out := b
	out.Samples = append([]byte(nil), b.Samples[start*size:end*size]...)
	return out
}
