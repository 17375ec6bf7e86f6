// Package audio holds the in-memory PCM representation shared by the synthesis
// pipeline along with the codecs and conversions used at its edges.
package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// SampleFormat identifies the encoding of one interleaved sample.
type SampleFormat int

const (
	Int16 SampleFormat = iota + 1
	Float32
)

func (f SampleFormat) BytesPerSample() int {
	switch f {
	case Int16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
}

// Buffer is interleaved little-endian PCM.
type Buffer struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
	Samples    []byte
}

// Layout describes the shape of a buffer without its data.
type Layout struct {
	SampleRate int
	Channels   int
	Format     SampleFormat
}

func (b Buffer) Layout() Layout {
	return Layout{SampleRate: b.SampleRate, Channels: b.Channels, Format: b.Format}
}

// FrameSize is the number of bytes holding one sample for every channel.
func (b Buffer) FrameSize() int {
	return b.Channels * b.Format.BytesPerSample()
}

func (b Buffer) Frames() int {
	size := b.FrameSize()
	if size == 0 {
		return 0
	}
	return len(b.Samples) / size
}

// Seconds is the exact playback length in seconds.
func (b Buffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

func (b Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// Validate checks that the layout is usable and the payload holds whole frames.
func (b Buffer) Validate() error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d: %w", b.SampleRate, errs.ErrInvalidAudio)
	}
	if b.Channels <= 0 {
		return fmt.Errorf("channel count %d: %w", b.Channels, errs.ErrInvalidAudio)
	}
	if b.Format.BytesPerSample() == 0 {
		return fmt.Errorf("sample format %s: %w", b.Format, errs.ErrInvalidAudio)
	}
	if len(b.Samples)%b.FrameSize() != 0 {
		return fmt.Errorf("payload of %d bytes is not frame aligned: %w", len(b.Samples), errs.ErrInvalidAudio)
	}
	return nil
}

// FramesFor returns the number of frames closest to d at the given rate.
func FramesFor(sampleRate int, d time.Duration) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

// Silence returns a zero-filled buffer of duration d. Zero bytes decode as
// digital silence for both int16 and float32.
func Silence(layout Layout, d time.Duration) Buffer {
	frames := FramesFor(layout.SampleRate, d)
	return Buffer{
		SampleRate: layout.SampleRate,
		Channels:   layout.Channels,
		Format:     layout.Format,
		Samples:    make([]byte, frames*layout.Channels*layout.Format.BytesPerSample()),
	}
}
