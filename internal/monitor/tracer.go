package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "vetbox"

// Tracer wraps OpenTelemetry tracing for the vetting pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewNoopTracer returns a Tracer whose spans record nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// StartSpan creates a new span named vetbox.<name> and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("vetbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for vetbox tracing.
var (
	AttrAnalysisID  = attribute.Key("vetbox.analysis.id")
	AttrSHA256      = attribute.Key("vetbox.sha256")
	AttrFilename    = attribute.Key("vetbox.filename")
	AttrSize        = attribute.Key("vetbox.size")
	AttrLevel       = attribute.Key("vetbox.level")
	AttrTier1Result = attribute.Key("vetbox.tier1.outcome")
	AttrExitCode    = attribute.Key("vetbox.exit_code")
	AttrTimedOut    = attribute.Key("vetbox.timed_out")
)
