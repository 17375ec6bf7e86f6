// Package api serves the narrator over HTTP: the voice catalog, reference
// uploads, asynchronous jobs with a websocket progress stream, and a
// synchronous generate call.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errs"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/outputs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

// References is the reference manager surface used by the routes that the
// orchestrator does not cover.
type References interface {
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]voiceref.Reference, error)
}

// EventHistory reads persisted job timelines.
type EventHistory interface {
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

// Deps are the components the server routes to. Only Orchestrator and Hub
// are required.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Hub          *Hub
	References   References
	Events       EventHistory
	Outputs      *outputs.Store
}

type Server struct {
	ctx      context.Context
	cfg      config.Config
	deps     Deps
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New builds a server. Jobs started through it run under ctx, so cancelling
// ctx cancels them.
func New(ctx context.Context, cfg config.Config, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		ctx:  ctx,
		cfg:  cfg,
		deps: deps,
		log:  log.With(slog.String("component", "api")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/voices", s.handleVoices).Methods(http.MethodGet)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)

	api.HandleFunc("/references", s.handleListReferences).Methods(http.MethodGet)
	api.HandleFunc("/references", s.handleUploadReference).Methods(http.MethodPost)
	api.HandleFunc("/upload-reference", s.handleUploadReference).Methods(http.MethodPost)
	api.HandleFunc("/references/{id}", s.handleGetReference).Methods(http.MethodGet)
	api.HandleFunc("/references/{id}", s.handleDeleteReference).Methods(http.MethodDelete)

	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/events", s.handleJobEvents).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/audio", s.handleAudio).Methods(http.MethodGet)
	api.HandleFunc("/download/{id}", s.handleAudio).Methods(http.MethodGet)

	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "error", Message: "route not found", Code: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Status: "error", Message: "method not allowed", Code: "method_not_allowed"})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": s.cfg.RuntimeName})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.HTTP.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.HTTP.AllowedOrigins, "*") || slices.Contains(s.cfg.HTTP.AllowedOrigins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && len(s.cfg.HTTP.AllowedOrigins) > 0 && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrInvalidInput),
		errors.Is(err, errs.ErrInvalidParameter),
		errors.Is(err, errs.ErrUnsupportedFormat),
		errors.Is(err, errs.ErrInvalidAudio):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrFormatMismatch),
		errors.Is(err, errs.ErrSynthesisEngine):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorResponse{Status: "error", Message: err.Error(), Code: errs.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
