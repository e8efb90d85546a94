package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans.
var (
	AttrGoalID      = attribute.Key("colonyrt.goal.id")
	AttrTaskID      = attribute.Key("colonyrt.task.id")
	AttrPhase       = attribute.Key("colonyrt.orchestrator.phase")
	AttrModel       = attribute.Key("colonyrt.inference.model")
	AttrProvider    = attribute.Key("colonyrt.inference.provider")
	AttrTokensInput = attribute.Key("colonyrt.inference.tokens.input")
	AttrAgentAddr   = attribute.Key("colonyrt.agent.address")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (inference provider, worker transport).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
