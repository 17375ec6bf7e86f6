package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) (config.BusConfig, func() *bus.Client) {
	t.Helper()
	cfg := config.BusConfig{
		Enabled:           true,
		Embedded:          true,
		Port:              -1,
		StoreDir:          t.TempDir(),
		ConnectTimeout:    2000,
		HeartbeatInterval: 50,
		HeartbeatTimeout:  200,
	}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg, func() *bus.Client {
		client, err := bus.Connect(context.Background(), cfg, newLogger())
		if err != nil {
			t.Fatalf("connect bus: %v", err)
		}
		t.Cleanup(client.Close)
		return client
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodesDiscoverEachOther(t *testing.T) {
	cfg, dial := connect(t)

	a, err := New(context.Background(), cfg, Node{ID: "a", Engine: "mock", Models: []string{"mock"}}, dial(), newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	waitFor(t, "a healthy", a.Healthy)

	b, err := New(context.Background(), cfg, Node{ID: "b", Engine: "http", Cloning: true}, dial(), newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	waitFor(t, "a to see b", func() bool { return len(a.Nodes()) == 2 })
	waitFor(t, "b to see a", func() bool { return len(b.Nodes()) == 2 })

	nodes := b.Nodes()
	if nodes[0].ID != "a" || nodes[0].Engine != "mock" || len(nodes[0].Models) != 1 {
		t.Fatalf("unexpected node a as seen by b: %+v", nodes[0])
	}
	if !nodes[1].Cloning {
		t.Fatalf("expected b to advertise cloning: %+v", nodes[1])
	}
}

func TestSilentNodeTurnsUnhealthy(t *testing.T) {
	cfg, dial := connect(t)

	a, err := New(context.Background(), cfg, Node{ID: "a"}, dial(), newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	b, err := New(context.Background(), cfg, Node{ID: "b"}, dial(), newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	waitFor(t, "a to see b", func() bool { return len(a.Nodes()) == 2 })
	b.Close()

	waitFor(t, "b to go stale", func() bool {
		for _, node := range a.Nodes() {
			if node.ID == "b" {
				return !node.Healthy
			}
		}
		return false
	})
	if !a.Healthy() {
		t.Fatal("expected a to stay healthy")
	}
}

func TestNewRequiresID(t *testing.T) {
	if _, err := New(context.Background(), config.BusConfig{}, Node{}, nil, newLogger()); err == nil {
		t.Fatal("expected error for empty node id")
	}
}
