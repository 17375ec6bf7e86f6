// Package stitch concatenates per-chunk audio into one continuous buffer.
package stitch

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/errs"
)

// Stitch joins buffers in order with gapMS of silence between neighbours.
// A single buffer is returned unchanged.
func Stitch(buffers []audio.Buffer, gapMS int) (audio.Buffer, error) {
	if len(buffers) == 0 {
		return audio.Buffer{}, fmt.Errorf("nothing to stitch: %w", errs.ErrInvalidInput)
	}
	if len(buffers) == 1 {
		if gapMS < 0 {
			return audio.Buffer{}, fmt.Errorf("boundary gap %dms: %w", gapMS, errs.ErrInvalidInput)
		}
		return buffers[0], nil
	}
	s, err := New(buffers[0].Layout(), gapMS)
	if err != nil {
		return audio.Buffer{}, err
	}
	total := 0
	for _, b := range buffers {
		total += len(b.Samples)
	}
	s.grow(total + (len(buffers)-1)*len(s.gap))
	for _, b := range buffers {
		if err := s.Append(b); err != nil {
			return audio.Buffer{}, err
		}
	}
	return s.Result()
}

// Stitcher accumulates buffers of one layout as they become available.
type Stitcher struct {
	layout audio.Layout
	gap    []byte
	out    []byte
	count  int
}

func New(layout audio.Layout, gapMS int) (*Stitcher, error) {
	if gapMS < 0 {
		return nil, fmt.Errorf("boundary gap %dms: %w", gapMS, errs.ErrInvalidInput)
	}
	shape := audio.Buffer{SampleRate: layout.SampleRate, Channels: layout.Channels, Format: layout.Format}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	gap := audio.Silence(layout, time.Duration(gapMS)*time.Millisecond)
	return &Stitcher{layout: layout, gap: gap.Samples}, nil
}

func (s *Stitcher) grow(n int) {
	if cap(s.out) < n {
		grown := make([]byte, len(s.out), n)
		copy(grown, s.out)
		s.out = grown
	}
}

// Append folds b into the accumulator. The caller may release b afterwards.
func (s *Stitcher) Append(b audio.Buffer) error {
	if b.SampleRate != s.layout.SampleRate || b.Channels != s.layout.Channels {
		return fmt.Errorf("buffer %d is %dHz/%dch, expected %dHz/%dch: %w",
			s.count, b.SampleRate, b.Channels, s.layout.SampleRate, s.layout.Channels, errs.ErrFormatMismatch)
	}
	if b.Format != s.layout.Format {
		return fmt.Errorf("buffer %d is %s, expected %s: %w", s.count, b.Format, s.layout.Format, errs.ErrFormatMismatch)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("buffer %d: %w", s.count, err)
	}
	if s.count > 0 {
		s.out = append(s.out, s.gap...)
	}
	s.out = append(s.out, b.Samples...)
	s.count++
	return nil
}

// Len is the number of buffers appended so far.
func (s *Stitcher) Len() int { return s.count }

// Result returns the stitched buffer.
func (s *Stitcher) Result() (audio.Buffer, error) {
	if s.count == 0 {
		return audio.Buffer{}, fmt.Errorf("nothing to stitch: %w", errs.ErrInvalidInput)
	}
	return audio.Buffer{
		SampleRate: s.layout.SampleRate,
		Channels:   s.layout.Channels,
		Format:     s.layout.Format,
		Samples:    s.out,
	}, nil
}
