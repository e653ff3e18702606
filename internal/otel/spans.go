package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by orchestrator and scheduler spans.
var (
	AttrTaskID    = attribute.Key("ontoti.task.id")
	AttrSessionID = attribute.Key("ontoti.session.id")
	AttrAgentID   = attribute.Key("ontoti.agent.id")
	AttrStageID   = attribute.Key("ontoti.stage.id")
	AttrStages    = attribute.Key("ontoti.pipeline.stages")
	AttrDelegated = attribute.Key("ontoti.delegated")
	AttrAttempts  = attribute.Key("ontoti.generation.attempts")
	AttrJobID     = attribute.Key("ontoti.job.id")
	AttrJobKind   = attribute.Key("ontoti.job.kind")
	AttrResult    = attribute.Key("ontoti.result")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call such as a generation
// request or a stream forward.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
