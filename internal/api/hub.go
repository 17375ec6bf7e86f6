package api

import (
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

const subscriberBuffer = 64

// Hub keeps the event history of each job and fans live events out to
// stream subscribers. A subscriber that falls behind is dropped.
type Hub struct {
	mu      sync.Mutex
	history map[string][]pipeline.Event
	subs    map[string]map[chan pipeline.Event]struct{}
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		history: make(map[string][]pipeline.Event),
		subs:    make(map[string]map[chan pipeline.Event]struct{}),
		log:     log.With(slog.String("component", "stream-hub")),
	}
}

// ObserveEvent records evt and delivers it to the job's subscribers.
func (h *Hub) ObserveEvent(evt pipeline.Event) {
	if evt.Result != nil {
		// Audio is served by the download route; keep only the metadata.
		meta := *evt.Result
		meta.Audio.Samples = nil
		evt.Result = &meta
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[evt.JobID] = append(h.history[evt.JobID], evt)
	for ch := range h.subs[evt.JobID] {
		select {
		case ch <- evt:
		default:
			h.log.Warn("dropping slow stream subscriber", slog.String("job_id", evt.JobID))
			delete(h.subs[evt.JobID], ch)
			close(ch)
		}
	}
	if evt.Type.Terminal() {
		for ch := range h.subs[evt.JobID] {
			close(ch)
		}
		delete(h.subs, evt.JobID)
	}
}

// Subscribe returns the events recorded so far and a channel carrying the
// rest. The channel is nil when the job already finished; otherwise it is
// closed after the terminal event. cancel must be called when done.
func (h *Hub) Subscribe(jobID string) (replay []pipeline.Event, live <-chan pipeline.Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	replay = append([]pipeline.Event(nil), h.history[jobID]...)
	if n := len(replay); n > 0 && replay[n-1].Type.Terminal() {
		return replay, nil, func() {}
	}
	ch := make(chan pipeline.Event, subscriberBuffer)
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan pipeline.Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	return replay, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[jobID][ch]; ok {
			delete(h.subs[jobID], ch)
			close(ch)
		}
	}
}

// History returns the recorded events of a job.
func (h *Hub) History(jobID string) []pipeline.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.Event(nil), h.history[jobID]...)
}

// Forget drops the history of the given jobs.
func (h *Hub) Forget(jobIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range jobIDs {
		delete(h.history, id)
	}
}
