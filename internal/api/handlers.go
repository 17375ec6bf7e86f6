package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

const (
	maxJSONBody = 1 << 20
	// multipartSlack covers form fields and part headers around the file.
	multipartSlack = 64 << 10
)

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": s.deps.Orchestrator.ListPresets()})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Orchestrator.Models()})
}

type referenceResponse struct {
	Status     string  `json:"status"`
	RefAudioID string  `json:"ref_audio_id"`
	Filename   string  `json:"filename,omitempty"`
	Duration   float64 `json:"duration"`
	voiceref.Reference
}

func (s *Server) handleUploadReference(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.References.MaxBytes)
	// Oversized files inside the cap reach the manager, which reports them
	// with the configured limit.
	r.Body = http.MaxBytesReader(w, r.Body, 2*limit+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Errorf("upload exceeds %s: %w", humanize.IBytes(uint64(limit)), errs.ErrFileTooLarge))
			return
		}
		s.writeError(w, fmt.Errorf("parse upload: %v: %w", err, errs.ErrInvalidInput))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("form field \"file\" is required: %w", errs.ErrInvalidInput))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		s.writeError(w, fmt.Errorf("read upload: %v: %w", err, errs.ErrInvalidInput))
		return
	}

	format := strings.TrimSpace(r.FormValue("format"))
	if format == "" {
		format = filepath.Ext(header.Filename)
	}
	if format == "" {
		format = header.Header.Get("Content-Type")
	}

	ref, err := s.deps.Orchestrator.RegisterReference(r.Context(), data, format, r.FormValue("ref_text"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, referenceResponse{
		Status:     "success",
		RefAudioID: ref.ID,
		Filename:   header.Filename,
		Duration:   ref.DurationSeconds,
		Reference:  ref,
	})
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	if s.deps.References == nil {
		writeJSON(w, http.StatusOK, map[string]any{"references": []voiceref.Reference{}})
		return
	}
	refs, err := s.deps.References.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if refs == nil {
		refs = []voiceref.Reference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"references": refs})
}

func (s *Server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	ref, err := s.deps.Orchestrator.ResolveReference(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleDeleteReference(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.References == nil {
		s.writeError(w, fmt.Errorf("reference %q: %w", id, errs.ErrNotFound))
		return
	}
	if err := s.deps.References.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeOptions(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	var opts pipeline.Options
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&opts); err != nil {
		s.writeError(w, fmt.Errorf("decode request: %v: %w", err, errs.ErrInvalidInput))
		return pipeline.Request{}, false
	}
	req, err := s.deps.Orchestrator.BuildRequest(opts)
	if err != nil {
		s.writeError(w, err)
		return pipeline.Request{}, false
	}
	return req, true
}

type jobResponse struct {
	pipeline.Job
	AudioURL  string `json:"audio_url,omitempty"`
	StreamURL string `json:"stream_url,omitempty"`
}

func view(job pipeline.Job) jobResponse {
	resp := jobResponse{Job: job}
	if job.Result != nil {
		resp.AudioURL = "/api/jobs/" + job.ID + "/audio"
	}
	if !job.Status.Terminal() {
		resp.StreamURL = "/api/jobs/" + job.ID + "/stream"
	}
	return resp
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeOptions(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Orchestrator.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The job outlives the request; only server shutdown cancels it.
	events, err := s.deps.Orchestrator.RunJob(s.ctx, job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	go func() {
		for range events {
		}
	}()
	writeJSON(w, http.StatusAccepted, view(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.deps.Orchestrator.Jobs()
	out := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out[i] = view(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Orchestrator.Job(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	job, err := s.deps.Orchestrator.Job(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view(job))
}

// handleJobEvents serves the persisted timeline, falling back to the
// in-memory history when persistence is off or the job predates it.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var events []json.RawMessage
	if s.deps.Events != nil {
		stored, err := s.deps.Events.ListJobEvents(r.Context(), id, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, e := range stored {
			events = append(events, json.RawMessage(e.Payload))
		}
	}
	if len(events) == 0 {
		for _, evt := range s.deps.Hub.History(id) {
			data, err := json.Marshal(evt)
			if err != nil {
				s.writeError(w, err)
				return
			}
			events = append(events, data)
		}
	}
	if len(events) == 0 {
		if _, err := s.deps.Orchestrator.Job(id); err != nil {
			s.writeError(w, err)
			return
		}
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": events})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(mux.Vars(r)["id"], ".wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	if s.deps.Outputs != nil {
		if path, err := s.deps.Outputs.Path(id); err == nil {
			w.Header().Set("Content-Type", "audio/wav")
			http.ServeFile(w, r, path)
			return
		}
	}
	job, err := s.deps.Orchestrator.Job(id)
	if err != nil {
		w.Header().Del("Content-Disposition")
		s.writeError(w, err)
		return
	}
	if job.Result == nil {
		w.Header().Del("Content-Disposition")
		s.writeError(w, fmt.Errorf("job %q has no audio (status %s): %w", id, job.Status, errs.ErrNotFound))
		return
	}
	data, err := audio.EncodeWAV(job.Result.Audio)
	if err != nil {
		w.Header().Del("Content-Disposition")
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, id+".wav", job.FinishedAt, bytes.NewReader(data))
}

type generateResponse struct {
	Status         string                  `json:"status"`
	JobID          string                  `json:"job_id"`
	AudioURL       string                  `json:"audio_url"`
	Filename       string                  `json:"filename"`
	Duration       float64                 `json:"duration"`
	ProcessingTime float64                 `json:"processing_time"`
	Chunks         int                     `json:"chunks"`
	Partial        bool                    `json:"partial,omitempty"`
	Failed         []pipeline.ChunkFailure `json:"failed,omitempty"`
}

// handleGenerate runs a job to completion before responding. A client that
// goes away cancels the job.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := s.decodeOptions(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.HTTP.SyncTimeoutSecs)*time.Second)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	job, err := s.deps.Orchestrator.CreateJob(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.deps.Orchestrator.RunJob(ctx, job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for range events {
	}
	job, err = s.deps.Orchestrator.Job(job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if job.Result == nil {
		s.writeError(w, jobError(job))
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Status:         "success",
		JobID:          job.ID,
		AudioURL:       "/api/jobs/" + job.ID + "/audio",
		Filename:       job.ID + ".wav",
		Duration:       job.Result.DurationSeconds,
		ProcessingTime: float64(time.Since(start).Round(10*time.Millisecond)) / float64(time.Second),
		Chunks:         len(job.Chunks),
		Partial:        job.Result.Partial,
		Failed:         job.Failed,
	})
}

// jobError maps a job that produced no audio onto the error taxonomy.
func jobError(job pipeline.Job) error {
	if job.Reason == pipeline.ReasonCancelled {
		return fmt.Errorf("job %s: %w", job.ID, errs.ErrCancelled)
	}
	return fmt.Errorf("job %s %s: %s: %w", job.ID, job.Status, job.Reason, errs.ErrSynthesisEngine)
}
