// Package presence announces this narrator on the bus and tracks the other
// narrators it hears from.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "narrator.node.announce"
	SubjectHeartbeatPrefix = "narrator.node.heartbeat"
)

// Node is what a narrator advertises about itself.
type Node struct {
	ID       string    `json:"id"`
	Engine   string    `json:"engine"`
	Models   []string  `json:"models,omitempty"`
	Voices   []string  `json:"voices,omitempty"`
	Cloning  bool      `json:"supports_cloning"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	self     Node
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	bus      *bus.Client
	now      func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*Node
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// New subscribes to announcements, announces self and starts the heartbeat.
func New(ctx context.Context, cfg config.BusConfig, self Node, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if self.ID == "" {
		return nil, fmt.Errorf("presence: node id must not be empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		self:     self,
		interval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		now:      time.Now,
		nodes:    make(map[string]*Node),
		cancel:   cancel,
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.timeout < r.interval {
		r.timeout = 3 * r.interval
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.bus.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := r.self
	msg.LastSeen = r.now().UTC()
	return r.bus.PublishJSON(SubjectAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.self.ID, heartbeat{NodeID: r.self.ID, Timestamp: r.now().UTC()})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var node Node
	if err := sonic.Unmarshal(msg.Data, &node); err != nil || node.ID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if node.LastSeen.IsZero() {
		node.LastSeen = r.now().UTC()
	}

	r.mu.Lock()
	_, known := r.nodes[node.ID]
	node.Healthy = true
	r.nodes[node.ID] = &node
	r.mu.Unlock()

	// Answer newcomers so they learn about this node without waiting.
	if !known && node.ID != r.self.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := sonic.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[hb.NodeID]
	if !ok {
		// Heartbeat before announce; keep the id until details arrive.
		node = &Node{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
	}
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has heard its own announcement or
// heartbeat recently, which proves the bus round trip works.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.self.ID]
	return ok && node.Healthy
}

// Nodes lists known narrators, sorted by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/presence")
	gauge, err := meter.Int64ObservableGauge("narrator.presence.nodes", metric.WithDescription("Number of healthy narrator nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, node := range r.Nodes() {
			if node.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}
