package audio

import (
	"math"
	"time"
)

// Tone renders a sine wave of the given frequency and amplitude on every channel.
func Tone(layout Layout, freq float64, amplitude float32, d time.Duration) Buffer {
	frames := FramesFor(layout.SampleRate, d)
	samples := make([]float32, frames*layout.Channels)
	for f := 0; f < frames; f++ {
		v := amplitude * float32(math.Sin(2*math.Pi*freq*float64(f)/float64(layout.SampleRate)))
		for c := 0; c < layout.Channels; c++ {
			samples[f*layout.Channels+c] = v
		}
	}
	return FromFloats(samples, layout)
}
