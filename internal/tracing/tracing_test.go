package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd_RecordsSuccess(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(orig)

	_, span := Start(context.Background(), SpanFetch, "PAGE1")
	End(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanFetch, spans[0].Name)
}

func TestStartEnd_RecordsError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(orig)

	_, span := Start(context.Background(), SpanTransform, "PAGE2")
	End(span, errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.NotEmpty(t, spans[0].Events)
}

func TestEnd_NilSpanIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { End(nil, nil) })
}
