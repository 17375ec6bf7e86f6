package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// MockSynth renders a tone whose length follows the text, so durations are
// predictable in tests and in demo deployments.
type MockSynth struct {
	SampleRate int
	Channels   int
	// PerChar is the audio produced per input character at speed 1.0.
	PerChar time.Duration
	// Delay is slept before each response.
	Delay time.Duration
	// Cloning reports whether reference voices are accepted.
	Cloning bool
	// Fail, when set, is consulted before each call. attempt counts calls
	// for the same job and chunk, starting at 1.
	Fail func(req SynthRequest, attempt int) error

	calls    atomic.Int64
	active   atomic.Int64
	peak     atomic.Int64
	mu       sync.Mutex
	attempts map[string]int
}

func NewMockSynth(sampleRate, channels int) *MockSynth {
	return &MockSynth{
		SampleRate: sampleRate,
		Channels:   channels,
		PerChar:    10 * time.Millisecond,
		Cloning:    true,
	}
}

func (m *MockSynth) SupportsCloning() bool { return m.Cloning }

// Calls reports how many synthesis calls were made.
func (m *MockSynth) Calls() int { return int(m.calls.Load()) }

// MaxConcurrent reports the highest number of overlapping calls observed.
func (m *MockSynth) MaxConcurrent() int { return int(m.peak.Load()) }

func (m *MockSynth) attempt(req SynthRequest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts == nil {
		m.attempts = make(map[string]int)
	}
	key := fmt.Sprintf("%s/%d", req.JobID, req.ChunkIndex)
	m.attempts[key]++
	return m.attempts[key]
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	m.calls.Add(1)
	attempt := m.attempt(req)
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		n := m.active.Add(1)
		defer m.active.Add(-1)
		for {
			p := m.peak.Load()
			if n <= p || m.peak.CompareAndSwap(p, n) {
				break
			}
		}

		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.Delay):
			}
		}
		if m.Fail != nil {
			if err := m.Fail(req, attempt); err != nil {
				errs <- err
				return
			}
		}

		speed := req.Speed
		if speed <= 0 {
			speed = 1
		}
		d := time.Duration(float64(utf8.RuneCountInString(req.Text)) * float64(m.PerChar) / speed)
		freq := 180.0
		if req.Reference != nil {
			freq = 140
		}
		tone := audio.Tone(audio.Layout{SampleRate: m.SampleRate, Channels: m.Channels, Format: audio.Int16}, freq, 0.3, d)
		chunks <- SynthChunk{
			Sequence:   0,
			SampleRate: m.SampleRate,
			Channels:   m.Channels,
			PCM:        tone.Samples,
			Final:      true,
		}
	}()
	return chunks, errs
}
