package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/task"
)

// meterName is the instrumentation scope name for stepflow metrics.
const meterName = "github.com/xraph/stepflow"

// Metrics returns middleware that records per-task execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - stepflow.task.duration (Float64Histogram): handler time in seconds,
//     with attributes: handler, status ("ok" or "error"), error_kind
//   - stepflow.task.executions (Int64Counter): total handler runs,
//     with the same attributes
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"stepflow.task.duration",
		metric.WithDescription("Duration of task handler execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"stepflow.task.executions",
		metric.WithDescription("Total number of task handler executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, t *task.Task, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status, kind := "ok", ""
		if err != nil {
			status = "error"
			kind = stepflow.AsTaskError(err).Kind
		}

		attrs := metric.WithAttributes(
			attribute.String("handler", t.Handler),
			attribute.String("status", status),
			attribute.String("error_kind", kind),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
