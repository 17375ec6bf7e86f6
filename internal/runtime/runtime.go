package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/loqalabs/loqa-narrator/internal/api"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/busbridge"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/outputs"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/presence"
	"github.com/loqalabs/loqa-narrator/internal/transcribe"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voiceref"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	events   *eventstore.Store
	refs     *voiceref.Manager
	outputs  *outputs.Store
	orch     *pipeline.Orchestrator
	hub      *api.Hub
	recorder *recorder
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   *busbridge.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.build(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", r.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/api/nodes", r.handleNodes).Methods(http.MethodGet)
	server := api.New(ctx, r.cfg, api.Deps{
		Orchestrator: r.orch,
		Hub:          r.hub,
		References:   r.refs,
		Events:       r.events,
		Outputs:      r.outputs,
	}, r.logger)
	router.PathPrefix("/").Handler(server.Handler())

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.handler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.handler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.housekeeping(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.TTS.Mode),
		slog.Bool("bus", r.bus != nil),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return nil
}

// build opens stores and wires the pipeline and its observers.
func (r *Runtime) build(ctx context.Context) error {
	var err error
	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	recognizer, err := transcribe.New(r.cfg.Transcribe)
	if err != nil {
		return fmt.Errorf("init transcriber: %w", err)
	}
	store, err := voiceref.OpenStore(ctx, r.cfg.References)
	if err != nil {
		return fmt.Errorf("open reference store: %w", err)
	}
	r.refs = voiceref.NewManager(r.cfg.References, store, recognizer, r.logger)

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("init tts engine: %w", err)
	}
	adapter := tts.NewAdapter(r.cfg.TTS, synth, r.logger)
	r.orch = pipeline.New(r.cfg, adapter, r.refs, r.logger)

	r.outputs, err = outputs.New(r.cfg.Outputs, r.logger)
	if err != nil {
		return err
	}

	r.hub = api.NewHub(r.logger)
	r.orch.AddObserver(r.hub)
	r.recorder = newRecorder(r.events, r.outputs, r.orch.Job, r.logger)
	r.orch.AddObserver(r.recorder)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bridge = busbridge.NewService(ctx, r.bus, r.orch, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("start bus bridge: %w", err)
	}
	r.orch.AddObserver(r.bridge)

	r.presence, err = presence.New(ctx, busCfg, r.selfNode(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	return nil
}

func (r *Runtime) selfNode() presence.Node {
	node := presence.Node{ID: r.cfg.Bus.NodeID, Engine: r.cfg.TTS.Mode}
	if node.ID == "" {
		node.ID = r.cfg.RuntimeName
	}
	for _, m := range r.orch.Models() {
		node.Models = append(node.Models, m.ID)
		node.Cloning = node.Cloning || m.Cloning
	}
	for _, p := range r.orch.ListPresets() {
		node.Voices = append(node.Voices, p.ID)
	}
	return node
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// close releases everything build opened, in reverse order.
func (r *Runtime) close(ctx context.Context) {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.refs != nil {
		if err := r.refs.Close(); err != nil {
			r.logger.Error("reference store close error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || (r.bus.Healthy() && r.bridge.Healthy() && r.presence.Healthy())) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleNodes lists the narrators visible on the bus. Without a bus only this
// node is reported.
func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	var nodes []presence.Node
	if r.presence != nil {
		nodes = r.presence.Nodes()
	} else {
		self := r.selfNode()
		self.Healthy = true
		self.LastSeen = time.Now().UTC()
		nodes = []presence.Node{self}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"nodes": nodes})
}
