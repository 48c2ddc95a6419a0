package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quietlabs/murmur/internal/config"
	"github.com/quietlabs/murmur/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		socketPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (JSON)")
	flag.StringVar(&socketPath, "socket", "", "Unix socket path (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).
			Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Telemetry.LogLevel),
	}))

	rt := runtime.New(cfg, configPath, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
