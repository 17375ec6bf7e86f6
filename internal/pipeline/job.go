package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusPartialFailure Status = "partial_failure"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartialFailure || s == StatusFailed
}

// ReasonCancelled is the failure reason recorded for cancelled jobs.
const ReasonCancelled = "cancelled"

// Request describes a job to create. Speed, Temperature and BoundaryGapMS are
// taken as given; callers fill defaults before submitting.
type Request struct {
	Text          string    `json:"text"`
	Voice         tts.Voice `json:"voice"`
	Speed         float64   `json:"speed"`
	Temperature   float64   `json:"temperature"`
	BoundaryGapMS int       `json:"boundary_gap_ms"`
	// AllowPartial keeps synthesizing after a chunk exhausts its retries and
	// stitches whatever succeeded.
	AllowPartial bool `json:"allow_partial"`
}

// ChunkFailure attributes an exhausted chunk to its index.
type ChunkFailure struct {
	Index    int    `json:"index"`
	Attempts int    `json:"attempts"`
	Code     string `json:"code"`
	Error    string `json:"error"`
}

// Result is the stitched audio of a job.
type Result struct {
	Audio           audio.Buffer `json:"-"`
	DurationSeconds float64      `json:"duration_seconds"`
	Format          string       `json:"format"`
	SampleRate      int          `json:"sample_rate"`
	Channels        int          `json:"channels"`
	// Chunks lists the indices stitched into Audio, in order.
	Chunks         []int     `json:"chunks"`
	ChunkDurations []float64 `json:"chunk_durations"`
	Partial        bool      `json:"partial"`
}

// Job is a snapshot of a synthesis job.
type Job struct {
	ID              string              `json:"job_id"`
	Text            string              `json:"-"`
	Chunks          []segment.TextChunk `json:"chunks"`
	Voice           tts.Voice           `json:"voice"`
	Speed           float64             `json:"speed"`
	Temperature     float64             `json:"temperature"`
	BoundaryGapMS   int                 `json:"boundary_gap_ms"`
	AllowPartial    bool                `json:"allow_partial"`
	Status          Status              `json:"status"`
	CompletedChunks int                 `json:"completed_chunks"`
	Failed          []ChunkFailure      `json:"failed,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	Result          *Result             `json:"result,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
}

// FailedIndices lists the indices of chunks that exhausted their retries.
func (j Job) FailedIndices() []int {
	out := make([]int, 0, len(j.Failed))
	for _, f := range j.Failed {
		out = append(out, f.Index)
	}
	return out
}

type EventType string

const (
	EventSegmentInfo    EventType = "segment_info"
	EventChunkDone      EventType = "chunk_done"
	EventChunkFailed    EventType = "chunk_failed"
	EventComplete       EventType = "complete"
	EventPartialFailure EventType = "partial_failure"
	EventFailed         EventType = "failed"
)

// Terminal reports whether the event ends a job's stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventPartialFailure || t == EventFailed
}

// ChunkReport describes the outcome of one chunk.
type ChunkReport struct {
	Index           int     `json:"index"`
	CharCount       int     `json:"char_count"`
	Attempts        int     `json:"attempts"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Code            string  `json:"code,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Event is a progress notification. Seq is dense and starts at 1 per job.
type Event struct {
	Seq             int                 `json:"seq"`
	Type            EventType           `json:"type"`
	JobID           string              `json:"job_id"`
	Total           int                 `json:"total"`
	Completed       int                 `json:"completed_chunks"`
	Chunks          []segment.TextChunk `json:"chunks,omitempty"`
	Chunk           *ChunkReport        `json:"chunk,omitempty"`
	Status          Status              `json:"status,omitempty"`
	Failed          []ChunkFailure      `json:"failed,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	DurationSeconds float64             `json:"duration_seconds,omitempty"`
	Time            time.Time           `json:"time"`
	// Result is attached to terminal events that carry audio.
	Result *Result `json:"result,omitempty"`
}

// Observer receives every event of every job, in emission order per job.
// Implementations must not block for long.
type Observer interface {
	ObserveEvent(evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveEvent(evt Event) { f(evt) }
