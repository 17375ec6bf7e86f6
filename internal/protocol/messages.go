package protocol

import "time"

// JobRequest asks the narrator to synthesize text. Sent on SubjectJobRequest
// with a reply inbox.
type JobRequest struct {
	Text          string   `json:"text"`
	Mode          string   `json:"mode,omitempty"`
	Voice         string   `json:"voice,omitempty"`
	RefAudioID    string   `json:"ref_audio_id,omitempty"`
	Speed         *float64 `json:"speed,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	BoundaryGapMS *int     `json:"boundary_gap_ms,omitempty"`
	AllowPartial  bool     `json:"allow_partial,omitempty"`
}

// JobAccepted is the reply to a JobRequest.
type JobAccepted struct {
	JobID  string `json:"job_id,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// JobProgress mirrors one pipeline event.
type JobProgress struct {
	JobID           string    `json:"job_id"`
	Seq             int       `json:"seq"`
	Type            string    `json:"type"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	ChunkIndex      *int      `json:"chunk_index,omitempty"`
	Attempts        int       `json:"attempts,omitempty"`
	Status          string    `json:"status,omitempty"`
	Failed          []int     `json:"failed,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JobDone is published once per job on SubjectJobDone.
type JobDone struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	Failed          []int     `json:"failed,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectJobRequest        = "narrator.job.request"
	SubjectJobProgressPrefix = "narrator.job.progress"
	SubjectJobDone           = "narrator.job.done"
)

// ProgressSubject returns the per-job progress subject.
func ProgressSubject(jobID string) string {
	return SubjectJobProgressPrefix + "." + jobID
}
