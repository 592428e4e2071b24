// Package tracing wraps the daemon's OpenTelemetry spans: coordinator
// evaluations and workflow phase transitions each open one, so an operator
// can follow "event queued -> evaluation fired -> workflow dispatched ->
// agent spawned -> completion signaled" across the async boundaries the
// daemon's components communicate over.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	scopeCoordinator = "apc_coordinator.coordinator"
	scopeWorkflow    = "apc_coordinator.workflow"

	// SpanEvaluate wraps one coordinator evaluation: debounced batch in,
	// LLM call, REASONING/CONFIDENCE extraction, history append.
	SpanEvaluate = "apc_coordinator.coordinator.evaluate"
	// SpanWorkflowDispatch wraps a single workflow's Dispatch; the instance's
	// Start runs afterwards, outside the span.
	SpanWorkflowDispatch = "apc_coordinator.workflow.dispatch"
	// SpanWorkflowPhase wraps one phase transition inside a running
	// workflow instance (e.g. implement -> review -> revise).
	SpanWorkflowPhase = "apc_coordinator.workflow.phase"

	AttrSessionID    = "apc_coordinator.session_id"
	AttrWorkflowID   = "apc_coordinator.workflow_id"
	AttrTaskID       = "apc_coordinator.task_id"
	AttrWorkflowType = "apc_coordinator.workflow_type"
	AttrPhase        = "apc_coordinator.phase"
)

// NewResource builds the otel resource describing this process, attached to
// every span exported by the SDK provider NewProvider constructs.
func NewResource(serviceName, serviceVersion string) *resource.Resource {
	r, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	))
	return r
}

// NewProvider builds a TracerProvider that exports to exporter (typically an
// otlptracehttp.Exporter), batching spans and tagging them with res. The
// caller owns its lifecycle: call Shutdown on the returned provider during
// process teardown.
func NewProvider(exporter sdktrace.SpanExporter, res *resource.Resource) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
}

// StartEvaluate opens a span around one coordinator evaluation.
func StartEvaluate(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return start(ctx, scopeCoordinator, SpanEvaluate, attribute.String(AttrSessionID, sessionID))
}

// StartWorkflowDispatch opens a span around dispatching one workflow.
func StartWorkflowDispatch(ctx context.Context, workflowID, workflowType, sessionID, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrWorkflowType, workflowType),
		attribute.String(AttrSessionID, sessionID),
	}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	return start(ctx, scopeWorkflow, SpanWorkflowDispatch, attrs...)
}

// StartWorkflowPhase opens a span around one phase transition of a live
// workflow instance.
func StartWorkflowPhase(ctx context.Context, workflowID, phase string) (context.Context, trace.Span) {
	return start(ctx, scopeWorkflow, SpanWorkflowPhase,
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrPhase, phase),
	)
}

func start(ctx context.Context, scope, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err (if any) on span and closes it. Call via defer immediately
// after a Start* call.
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
