// Package traces provides OpenTelemetry distributed tracing for offersync.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/offersync"

// Options configures the tracer provider.
type Options struct {
	Endpoint    string // OTLP gRPC collector; empty disables tracing
	Version     string
	Environment string
	SampleRatio float64 // fraction of root traces kept; <= 0 or >= 1 keeps all
}

// Init installs the global tracer provider.
// Returns a shutdown function that flushes pending spans.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("offersync"),
			semconv.ServiceVersion(opts.Version),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler follows the parent's decision and samples root spans by ratio.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts an internal span under the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common attribute helpers for consistent span decoration.

func Account(addr string) attribute.KeyValue {
	return attribute.String("account.addr", addr)
}

func Registry(addr string) attribute.KeyValue {
	return attribute.String("registry.addr", addr)
}

func OfferIndex(index int64) attribute.KeyValue {
	return attribute.Int64("offer.index", index)
}

func DurationSeconds(seconds int64) attribute.KeyValue {
	return attribute.Int64("subscription.duration_seconds", seconds)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("tx.hash", hash)
}

func Fee(wei string) attribute.KeyValue {
	return attribute.String("fee.wei", wei)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
