package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// meterName is the instrumentation scope name for stepflow metrics.
const meterName = "github.com/xraph/stepflow/observability"

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.ExecutionStarted   = (*MetricsExtension)(nil)
	_ ext.ExecutionSucceeded = (*MetricsExtension)(nil)
	_ ext.ExecutionFailed    = (*MetricsExtension)(nil)
	_ ext.ExecutionStopped   = (*MetricsExtension)(nil)
	_ ext.TaskScheduled      = (*MetricsExtension)(nil)
	_ ext.TaskSucceeded      = (*MetricsExtension)(nil)
	_ ext.TaskFailed         = (*MetricsExtension)(nil)
	_ ext.TaskRetrying       = (*MetricsExtension)(nil)
	_ ext.ScheduleFired      = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics through an OTel
// meter. Register it as a stepflow extension to track execution outcomes,
// execution duration, task dispatches, failures by kind, retries and
// schedule fires.
type MetricsExtension struct {
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionDuration   metric.Float64Histogram
	TasksScheduled      metric.Int64Counter
	TasksSucceeded      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	TasksRetried        metric.Int64Counter
	SchedulesFired      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. On instrument errors the OTel API returns noop
// instruments, so the extension never fails to build.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.ExecutionsStarted, _ = meter.Int64Counter("stepflow.execution.started",
		metric.WithDescription("Executions started"))
	m.ExecutionsCompleted, _ = meter.Int64Counter("stepflow.execution.completed",
		metric.WithDescription("Executions that reached a terminal status"))
	m.ExecutionDuration, _ = meter.Float64Histogram("stepflow.execution.duration",
		metric.WithDescription("Wall time from start to terminal status"),
		metric.WithUnit("s"))
	m.TasksScheduled, _ = meter.Int64Counter("stepflow.task.scheduled",
		metric.WithDescription("Task dispatches"))
	m.TasksSucceeded, _ = meter.Int64Counter("stepflow.task.succeeded",
		metric.WithDescription("Tasks reported successful"))
	m.TasksFailed, _ = meter.Int64Counter("stepflow.task.failed",
		metric.WithDescription("Task failures including timeouts"))
	m.TasksRetried, _ = meter.Int64Counter("stepflow.task.retried",
		metric.WithDescription("Task retries scheduled"))
	m.SchedulesFired, _ = meter.Int64Counter("stepflow.schedule.fired",
		metric.WithDescription("Executions started by schedules"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Execution lifecycle hooks ───────────────────────

// OnExecutionStarted implements ext.ExecutionStarted.
func (m *MetricsExtension) OnExecutionStarted(ctx context.Context, exec *execution.Execution) error {
	m.ExecutionsStarted.Add(ctx, 1, metric.WithAttributes(definitionAttr(exec)))
	return nil
}

// OnExecutionSucceeded implements ext.ExecutionSucceeded.
func (m *MetricsExtension) OnExecutionSucceeded(ctx context.Context, exec *execution.Execution, elapsed time.Duration) error {
	m.completed(ctx, exec)
	m.ExecutionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(definitionAttr(exec)))
	return nil
}

// OnExecutionFailed implements ext.ExecutionFailed.
func (m *MetricsExtension) OnExecutionFailed(ctx context.Context, exec *execution.Execution) error {
	m.completed(ctx, exec)
	return nil
}

// OnExecutionStopped implements ext.ExecutionStopped.
func (m *MetricsExtension) OnExecutionStopped(ctx context.Context, exec *execution.Execution) error {
	m.completed(ctx, exec)
	return nil
}

func (m *MetricsExtension) completed(ctx context.Context, exec *execution.Execution) {
	m.ExecutionsCompleted.Add(ctx, 1, metric.WithAttributes(
		definitionAttr(exec),
		attribute.String("status", string(exec.Status)),
	))
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskScheduled implements ext.TaskScheduled.
func (m *MetricsExtension) OnTaskScheduled(ctx context.Context, t *task.Task) error {
	m.TasksScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", t.Handler)))
	return nil
}

// OnTaskSucceeded implements ext.TaskSucceeded.
func (m *MetricsExtension) OnTaskSucceeded(ctx context.Context, exec *execution.Execution, _ string, _ time.Duration) error {
	m.TasksSucceeded.Add(ctx, 1, metric.WithAttributes(definitionAttr(exec)))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, exec *execution.Execution, _, kind, _ string) error {
	m.TasksFailed.Add(ctx, 1, metric.WithAttributes(
		definitionAttr(exec),
		attribute.String("error_kind", kind),
	))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, exec *execution.Execution, _ string, _ int, _ time.Duration) error {
	m.TasksRetried.Add(ctx, 1, metric.WithAttributes(definitionAttr(exec)))
	return nil
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, entryName string, _ id.ExecutionID) error {
	m.SchedulesFired.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", entryName)))
	return nil
}

func definitionAttr(exec *execution.Execution) attribute.KeyValue {
	return attribute.String("definition", exec.DefinitionName)
}
