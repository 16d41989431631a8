// Package bustest runs an embedded NATS server for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-answer/internal/bus"
	"github.com/loqalabs/loqa-answer/internal/config"
	"github.com/loqalabs/loqa-answer/internal/natsserver"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Start launches a JetStream-enabled server on a random port and returns a
// connected client. Both are shut down when the test ends.
func Start(t testing.TB) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		JetStream:      true,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(cfg, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, Logger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
