package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInitWithoutEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	shutdown, err := Init(context.Background(), Config{}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "escrow.initialize",
		TransactionID("txn-1"), Amount("1000000"), Approved(true))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "escrow.initialize", ended[0].Name())
	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.String("transaction.id", "txn-1"),
		attribute.String("amount", "1000000"),
		attribute.Bool("verdict.approved", true),
	}, ended[0].Attributes())
}

func TestStartSpanNestsUnderParent(t *testing.T) {
	rec := recorder(t)

	ctx, parent := StartSpan(context.Background(), "escrow.process_proof")
	_, child := StartSpan(ctx, "payment.release", HoldID("hold_1"))
	child.End()
	parent.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestRecordError(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "payment.hold")
	RecordError(span, nil)
	RecordError(span, errors.New("gateway down"))
	span.End()

	got := rec.Ended()[0]
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "gateway down", got.Status().Description)
	require.Len(t, got.Events(), 1)
}

func TestSampler(t *testing.T) {
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "root",
	}

	assert.Equal(t, sdktrace.RecordAndSample, Sampler(0).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, Sampler(1).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.Drop, Sampler(0.001).ShouldSample(params).Decision)
}
