// Package tracing wraps OpenTelemetry span creation for the exporter's
// per-item pipeline (fetch, extract, transform, write), so a run can be
// followed through a trace backend in addition to the structured log.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "confluence-exporter"

// Span names for the exporter's pipeline stages.
const (
	SpanFetch     = "exporter.page.fetch"
	SpanDiscover  = "exporter.page.discover"
	SpanTransform = "exporter.page.transform"
	SpanWrite     = "exporter.page.write"
	SpanAttach    = "exporter.attachment.download"
)

// Attribute keys attached to exporter spans.
const (
	AttrPageID     = "exporter.page_id"
	AttrSourceType = "exporter.source_type"
	AttrAttempt    = "exporter.attempt"
)

// Start begins a span named name under the exporter's tracer, carrying
// pageID and any extra attributes.
func Start(ctx context.Context, name, pageID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if pageID != "" {
		spanAttrs = append(spanAttrs, attribute.String(AttrPageID, pageID))
	}
	spanAttrs = append(spanAttrs, attrs...)
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(spanAttrs...))
}

// End records err (if any) on span and closes it. Call via defer right
// after Start.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
