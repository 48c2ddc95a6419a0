package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quietlabs/murmur/internal/audio"
	"github.com/quietlabs/murmur/internal/bus"
	"github.com/quietlabs/murmur/internal/config"
	"github.com/quietlabs/murmur/internal/control"
	"github.com/quietlabs/murmur/internal/ipc"
	"github.com/quietlabs/murmur/internal/natsserver"
	"github.com/quietlabs/murmur/internal/state"
	"github.com/quietlabs/murmur/internal/stt"
)

// statusInterval paces the unsolicited STATUS broadcast.
const statusInterval = 30 * time.Second

// Runtime is the coordinator that owns every component and wires them
// with channels: the worker publishes results to a channel, the
// broadcaster drains it, and commands flow from the IPC server through
// the dispatcher. The worker and the IPC server hold no reference to each
// other's type.
type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	httpServer *http.Server
	ready      atomic.Bool
}

func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// pipelineControl narrows the pipeline for the control surface, closing
// over the source factory so device reconfiguration can reopen capture.
type pipelineControl struct {
	*audio.Pipeline
	newSource func() audio.Source
}

func (p *pipelineControl) ReconfigureAudio(cfg config.AudioConfig) error {
	return p.Pipeline.ReconfigureAudio(cfg, p.newSource)
}

// Start brings every subsystem up, runs until ctx is cancelled, and
// tears down in reverse order. Startup failures (device, model, socket)
// return an error so main can exit non-zero.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	st := state.New(r.cfg)

	recognizer, err := stt.NewRecognizer(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	queue := audio.NewQueue(r.cfg.Engine.MaxQueueSize)

	var dumper *audio.Dumper
	if r.cfg.Audio.DumpDir != "" {
		dumper, err = audio.NewDumper(r.cfg.Audio.DumpDir, r.logger)
		if err != nil {
			r.logger.Warn("utterance dumping disabled", slog.String("error", err.Error()))
		}
	}

	newSource := func() audio.Source { return audio.NewSource(r.logger) }
	pipeline := audio.NewPipeline(newSource(), r.cfg.VAD, queue, dumper, r.logger)
	if err := pipeline.Initialize(r.cfg.Audio); err != nil {
		return fmt.Errorf("audio device unavailable: %w", err)
	}

	results := make(chan stt.Result, 16)
	worker := stt.NewWorker(queue, recognizer, r.cfg.Model, results, st, r.logger)

	var dispatcher *control.Dispatcher
	server := ipc.NewServer(func(clientID uint64, action string, params json.RawMessage) (any, error) {
		return dispatcher.Dispatch(clientID, action, params)
	}, r.logger)

	externalCounters := func() state.ExternalCounters {
		return state.ExternalCounters{
			ProcessedSamples: pipeline.ProcessedSamples(),
			QueueOverflow:    pipeline.QueueOverflow(),
			DiscardedShort:   pipeline.DiscardedShort(),
			SendFailures:     server.SendFailures(),
		}
	}
	metricsFn := func() state.MetricsSnapshot { return st.Snapshot(externalCounters()) }

	dispatcher = control.NewDispatcher(st, worker,
		&pipelineControl{Pipeline: pipeline, newSource: newSource},
		server.ClientCount, metricsFn, r.configPath, r.logger)

	statusWake := make(chan struct{}, 1)
	server.SetSubscriptionCallback(func() {
		select {
		case statusWake <- struct{}{}:
		default:
		}
	})

	if err := server.Initialize(r.cfg.SocketPath); err != nil {
		return err
	}

	var embedded *natsserver.EmbeddedServer
	var bridge *bus.Bridge
	if r.cfg.Bridge.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bridge, r.logger)
		if err != nil {
			r.logger.Error("bus bridge disabled", slog.String("error", err.Error()))
		} else if client, cerr := bus.Connect(r.cfg.Bridge, r.logger); cerr != nil {
			r.logger.Error("bus bridge disabled", slog.String("error", cerr.Error()))
			embedded.Shutdown()
			embedded = nil
		} else {
			bridge = bus.NewBridge(client, r.logger)
		}
	}

	registerInstruments(metricsFn, server.ClientCount, r.logger)
	r.startHTTP(metricsHandler)

	broadcastStatus := func() {
		payload := ipc.StatusData{
			Listening: !worker.Paused(),
			Clients:   server.ClientCount(),
			UptimeS:   st.UptimeS(),
		}
		if err := server.BroadcastStatus(payload); err != nil {
			r.logger.Warn("status broadcast failed", slog.String("error", err.Error()))
		}
		bridge.PublishStatus(payload)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	// Broadcast loop: the only consumer of the results channel, so every
	// subscriber sees results in worker-production order.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case result := <-results:
				if err := server.BroadcastTranscription(result); err != nil {
					r.logger.Warn("transcription broadcast failed", slog.String("error", err.Error()))
				}
				bridge.PublishTranscription(result)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				broadcastStatus()
			case <-statusWake:
				broadcastStatus()
			}
		}
	})

	if err := server.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if err := pipeline.Start(); err != nil {
		cancel()
		_ = g.Wait()
		server.Stop()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("socket", r.cfg.SocketPath),
		slog.String("model", worker.ModelPath()))

	<-gctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	if err := pipeline.Close(); err != nil {
		r.logger.Warn("audio shutdown error", slog.String("error", err.Error()))
	}
	queue.Close()
	server.Stop()
	groupErr := g.Wait()
	if err := worker.Close(); err != nil {
		r.logger.Warn("model release error", slog.String("error", err.Error()))
	}
	bridge.Close()
	embedded.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	r.stopHTTP(shutdownCtx)
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return groupErr
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	if r.cfg.HTTP.Port <= 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("health endpoint up", slog.String("addr", addr))
}

func (r *Runtime) stopHTTP(ctx context.Context) {
	if r.httpServer == nil {
		return
	}
	if err := r.httpServer.Shutdown(ctx); err != nil {
		r.logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
