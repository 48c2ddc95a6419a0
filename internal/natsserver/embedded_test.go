package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/quietlabs/murmur/internal/config"
)

func TestStartDisabledReturnsNil(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	es, err := Start(config.BridgeConfig{Embedded: false}, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if es != nil {
		t.Fatal("expected nil server when embedded mode is off")
	}
	es.Shutdown() // nil-safe
}
