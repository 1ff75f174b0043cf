// Package bustest starts an embedded NATS server for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/natsserver"
)

// Connect starts a JetStream-enabled server on a random loopback port and
// returns a client connected to it. Both are closed when the test ends.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		srv.Shutdown()
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		srv.Shutdown()
	})
	return client
}
