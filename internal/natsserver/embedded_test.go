package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestServerOptions(t *testing.T) {
	opts, err := serverOptions(config.BusConfig{Port: 4333})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Host != "127.0.0.1" || opts.StoreDir != "./data/nats" || opts.MaxPayload != 64<<20 || !opts.JetStream {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	if _, err := serverOptions(config.BusConfig{MaxPayload: 65 << 20}); err == nil {
		t.Fatal("expected oversized payload limit to be rejected")
	}
}

func TestStartAcceptsLargeMessages(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), MaxPayload: 4 << 20}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	if got := nc.MaxPayload(); got != 4<<20 {
		t.Fatalf("expected advertised max payload 4MiB, got %d", got)
	}
}
