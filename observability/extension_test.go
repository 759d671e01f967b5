package observability_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/observability"
	"github.com/xraph/stepflow/task"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestExecution(status execution.Status) *execution.Execution {
	return &execution.Execution{
		ID:             id.NewExecutionID(),
		Name:           "order-1",
		DefinitionName: "order-flow",
		Status:         status,
	}
}

// counterTotal sums every data point of an Int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Counters(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	running := newTestExecution(execution.StatusRunning)

	_ = e.OnExecutionStarted(ctx, running)
	_ = e.OnTaskScheduled(ctx, &task.Task{Handler: "charge"})
	_ = e.OnTaskScheduled(ctx, &task.Task{Handler: "charge"})
	_ = e.OnTaskFailed(ctx, running, "Charge", "Timeout", "")
	_ = e.OnTaskRetrying(ctx, running, "Charge", 1, time.Second)
	_ = e.OnTaskSucceeded(ctx, running, "Charge", time.Second)
	_ = e.OnExecutionSucceeded(ctx, newTestExecution(execution.StatusSucceeded), 3*time.Second)
	_ = e.OnExecutionFailed(ctx, newTestExecution(execution.StatusFailed))
	_ = e.OnExecutionStopped(ctx, newTestExecution(execution.StatusStopped))
	_ = e.OnScheduleFired(ctx, "nightly", running.ID)

	tests := []struct {
		name string
		want int64
	}{
		{"stepflow.execution.started", 1},
		{"stepflow.execution.completed", 3},
		{"stepflow.task.scheduled", 2},
		{"stepflow.task.failed", 1},
		{"stepflow.task.retried", 1},
		{"stepflow.task.succeeded", 1},
		{"stepflow.schedule.fired", 1},
	}
	for _, tt := range tests {
		if got := counterTotal(t, reader, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetricsExtension_DurationHistogram(t *testing.T) {
	e, reader := newTestExtension()
	_ = e.OnExecutionSucceeded(context.Background(), newTestExecution(execution.StatusSucceeded), 2*time.Second)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "stepflow.execution.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("expected Histogram[float64], got %T", m.Data)
			}
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 2 {
				t.Fatalf("unexpected data points: %+v", hist.DataPoints)
			}
			return
		}
	}
	t.Fatal("stepflow.execution.duration not recorded")
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnExecutionStarted(context.Background(), newTestExecution(execution.StatusRunning)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
