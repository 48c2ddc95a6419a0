package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/quietlabs/murmur/internal/config"
	"github.com/quietlabs/murmur/internal/state"
)

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("murmur"),
			attribute.String("ipc.socket", cfg.SocketPath),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler, err := initMetrics(res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return tp, tp.Shutdown, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
	return tp, tp.Shutdown, nil
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return meter, nil, nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.Handler(), nil
}

// registerInstruments exposes the pipeline counters as observable OTel
// instruments, sampled on collection.
func registerInstruments(snapshot func() state.MetricsSnapshot, clients func() int, logger *slog.Logger) {
	meter := otel.Meter("github.com/quietlabs/murmur/runtime")

	transcriptions, err1 := meter.Int64ObservableCounter("murmur.transcriptions",
		metric.WithDescription("Completed transcriptions"))
	overflow, err2 := meter.Int64ObservableCounter("murmur.queue_overflow",
		metric.WithDescription("Utterances dropped on queue overflow"))
	modelErrors, err3 := meter.Int64ObservableCounter("murmur.model_errors",
		metric.WithDescription("Failed model invocations"))
	clientGauge, err4 := meter.Int64ObservableGauge("murmur.clients",
		metric.WithDescription("Connected IPC clients"))
	sendFailures, err5 := meter.Int64ObservableCounter("murmur.send_failures",
		metric.WithDescription("Messages dropped on per-client send failures"))
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		logger.Warn("failed to create instruments", slog.String("error", err.Error()))
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := snapshot()
		o.ObserveInt64(transcriptions, int64(snap.TranscriptionsCount))
		o.ObserveInt64(overflow, int64(snap.QueueOverflow))
		o.ObserveInt64(modelErrors, int64(snap.ModelErrors))
		o.ObserveInt64(clientGauge, int64(clients()))
		o.ObserveInt64(sendFailures, int64(snap.SendFailures))
		return nil
	}, transcriptions, overflow, modelErrors, clientGauge, sendFailures)
	if err != nil {
		logger.Warn("failed to register metric callback", slog.String("error", err.Error()))
	}
}
