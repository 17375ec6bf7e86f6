package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkippedWhenNotEmbedded(t *testing.T) {
	for _, cfg := range []config.BusConfig{
		{Enabled: false, Embedded: true},
		{Enabled: true, Embedded: false},
	} {
		srv, err := Start(cfg, newLogger())
		if err != nil || srv != nil {
			t.Fatalf("expected no server for %+v, got %v %v", cfg, srv, err)
		}
		srv.Shutdown()
		if srv.ClientURL() != "" {
			t.Fatal("expected empty url on nil server")
		}
	}
}

func TestEmbeddedServerRequiresToken(t *testing.T) {
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), Token: "s3cret", NodeID: "test"}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	if nc, err := nats.Connect(srv.ClientURL()); err == nil {
		nc.Close()
		t.Fatal("expected anonymous connection to be rejected")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	nc.Close()
}
