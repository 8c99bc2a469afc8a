// Package telemetry wires tracing, OTLP metrics, and the Prometheus
// exposition endpoint named by §6's telemetry.* configuration surface.
// Tracer setup is adapted directly from the teacher's libs/go/core/otelinit:
// an OTLP gRPC exporter resolved from OTEL_EXPORTER_OTLP_ENDPOINT, with a
// graceful no-op fallback (logged, not fatal) if the collector can't be
// reached at boot. The metric path mirrors the same shape for an OTLP gRPC
// metric exporter, and a side-by-side Prometheus registry/handler is added
// because §6 names telemetry.metrics_format: "prometheus" explicitly.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

// ShutdownFunc flushes and releases whatever Init set up.
type ShutdownFunc func(context.Context) error

// defaultEndpoint is used when OTEL_EXPORTER_OTLP_ENDPOINT is unset, the
// same fallback the teacher's otelinit uses.
const defaultEndpoint = "localhost:4317"

func resolveEndpoint() string {
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		return ep
	}
	return defaultEndpoint
}

// InitTracer configures the global tracer provider with an OTLP gRPC
// exporter. A collector that can't be reached at boot degrades to a no-op
// shutdown rather than failing startup — telemetry is never allowed to
// block the engine from serving work.
func InitTracer(ctx context.Context, service string) ShutdownFunc {
	endpoint := resolveEndpoint()
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// InitMeter configures the global meter provider with an OTLP gRPC metric
// exporter, mirroring InitTracer's graceful-degradation shape.
func InitMeter(ctx context.Context, service string) (metric.Meter, ShutdownFunc) {
	endpoint := resolveEndpoint()
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err)
		noop := otel.GetMeterProvider().Meter(service)
		return noop, func(context.Context) error { return nil }
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "endpoint", endpoint)
	return mp.Meter(service), mp.Shutdown
}

// PrometheusHandler returns the /metrics HTTP handler §6's
// telemetry.prometheus.endpoint config names, side-by-side with the OTLP
// push path — operators pick one or both.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// Flush runs shutdown with a bounded grace period, the same 3-second budget
// the teacher's otelinit.Flush uses, so a slow exporter can't hang process
// shutdown indefinitely.
func Flush(ctx context.Context, shutdown ShutdownFunc) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
}
