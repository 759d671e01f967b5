package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/stepflow/task"
)

// tracerName is the instrumentation scope name for stepflow tracing.
const tracerName = "github.com/xraph/stepflow"

// Tracing returns middleware that wraps task execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: stepflow.execution.id, stepflow.state,
// stepflow.handler and stepflow.attempt. On error, the span status is set
// to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		ctx, span := tracer.Start(ctx, "stepflow.task.execute",
			trace.WithAttributes(
				attribute.String("stepflow.execution.id", t.ExecutionID.String()),
				attribute.String("stepflow.state", t.StateName),
				attribute.String("stepflow.handler", t.Handler),
				attribute.Int("stepflow.attempt", t.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
