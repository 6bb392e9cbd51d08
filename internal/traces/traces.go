// Package traces provides OpenTelemetry distributed tracing for the escrow service.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kopa-agent/kopa"

// ServiceVersion is reported on every exported span.
const ServiceVersion = "0.1.0"

// Config selects where spans go and how many are kept.
type Config struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	Environment string  // deployment.environment resource attribute
	SampleRatio float64 // fraction of root spans sampled; <=0 or >=1 samples all
}

// Init installs the global tracer provider and W3C propagators. With no
// endpoint spans are still created but never exported. The returned func
// flushes and stops the exporter.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		logger.Info("tracing export disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("kopa"),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler returns a parent-based ratio sampler. Child spans follow their
// parent so a transaction's spans are kept or dropped together.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span as failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute helpers for consistent span decoration.

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

func PartyAddr(role, addr string) attribute.KeyValue {
	return attribute.String("party."+role, addr)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func HoldID(id string) attribute.KeyValue {
	return attribute.String("hold.id", id)
}

func State(s string) attribute.KeyValue {
	return attribute.String("transaction.state", s)
}

func Approved(ok bool) attribute.KeyValue {
	return attribute.Bool("verdict.approved", ok)
}

func FraudScore(score int) attribute.KeyValue {
	return attribute.Int("verdict.fraud_score", score)
}

func Attempts(n int) attribute.KeyValue {
	return attribute.Int("call.attempts", n)
}
