package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/quietlabs/murmur/internal/config"
)

// EmbeddedServer hosts a loopback NATS broker for the transcript bridge,
// so the bus works with no external dependencies. It binds 127.0.0.1
// only; nothing leaves the machine.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the embedded broker when bridge.embedded is set.
// Returns (nil, nil) otherwise.
func Start(cfg config.BridgeConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     cfg.Port,
		StoreDir: cfg.StoreDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded bus server failed to start within 5 seconds")
	}

	log.Info("embedded bus server started", slog.Int("port", cfg.Port))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// Shutdown stops the broker and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded bus server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
