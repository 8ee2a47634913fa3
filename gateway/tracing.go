package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/logging"
)

// initTracer wires request-pipeline tracing: every
// forwarded request gets a span tree forward -> select -> ensure -> proxy,
// exported over OTLP/HTTP when server.otel_endpoint is configured, or left
// on the SDK's no-op tracer otherwise. Returns a shutdown func to flush
// and release the exporter; it is a no-op when tracing isn't configured.
func initTracer(cfg *config.ServerConfig, log *logging.LogMonitor) (trace.Tracer, func(context.Context) error) {
	if cfg.OtelEndpoint == "" {
		return otel.Tracer("llamagate/gateway"), func(context.Context) error { return nil }
	}

	exporter, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(cfg.OtelEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Warnf("tracing: failed to create OTLP exporter for %s, tracing disabled: %v", cfg.OtelEndpoint, err)
		return otel.Tracer("llamagate/gateway"), func(context.Context) error { return nil }
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(provider)

	log.Infof("tracing: exporting spans to %s", cfg.OtelEndpoint)
	return provider.Tracer("llamagate/gateway"), provider.Shutdown
}
