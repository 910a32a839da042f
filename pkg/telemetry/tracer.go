// Package telemetry provides OpenTelemetry observability for Conductor
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Conductor
var tracer = otel.Tracer("conductor")

// Span names for Conductor operations
const (
	// Engine spans
	SpanEngineRun       = "conductor.engine.run"
	SpanEngineIteration = "conductor.engine.iteration"
	SpanEngineDecision  = "conductor.engine.decision"

	// Plan spans
	SpanPlanGenerate   = "conductor.plan.generate"
	SpanPlanRegenerate = "conductor.plan.regenerate"

	// Dispatch spans
	SpanDispatchBatch = "conductor.dispatch.batch"
	SpanWorkerCall    = "conductor.dispatch.worker_call"

	// Model spans
	SpanModelInvoke = "conductor.model.invoke"
)

// StartEngineSpan starts a span for an engine run
func StartEngineSpan(ctx context.Context, taskID, workspace string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyTaskID, taskID),
		attribute.String(KeyWorkspace, workspace),
	)
	return tracer.Start(ctx, SpanEngineRun, trace.WithAttributes(attrs...))
}

// StartIterationSpan starts a span for one iteration of the engine loop
func StartIterationSpan(ctx context.Context, taskID string, iteration int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanEngineIteration, trace.WithAttributes(
		attribute.String(KeyTaskID, taskID),
		attribute.Int(KeyIteration, iteration),
	))
}

// StartDispatchSpan starts a span for a worker dispatch batch
func StartDispatchSpan(ctx context.Context, taskID string, calls, maxParallel int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanDispatchBatch, trace.WithAttributes(
		attribute.String(KeyTaskID, taskID),
		attribute.Int(KeyCallCount, calls),
		attribute.Int(KeyMaxParallel, maxParallel),
	))
}

// StartModelSpan starts a span for a single model invocation
func StartModelSpan(ctx context.Context, name, modelID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyModelID, modelID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with an optional error category
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}
	span.RecordError(err, trace.WithAttributes(
		attribute.String(KeyErrorCategory, category),
	))
	span.SetStatus(codes.Error, err.Error())
}

// SetTaskStatus annotates a span with the task's final status
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskStatus, status))
}

// RecordUsage annotates a span with token usage and cost
func RecordUsage(span trace.Span, inputTokens, outputTokens int, cost float64) {
	span.SetAttributes(
		attribute.Int(KeyInputTokens, inputTokens),
		attribute.Int(KeyOutputTokens, outputTokens),
		attribute.Float64(KeyCost, cost),
	)
}
