package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/stepflow/audit_hook"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/ext"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestExecution() *execution.Execution {
	return &execution.Execution{
		ID:                id.NewExecutionID(),
		Name:              "order-42",
		DefinitionName:    "order",
		DefinitionVersion: 2,
		Status:            execution.StatusRunning,
	}
}

func newTestTask(exec *execution.Execution) *task.Task {
	return &task.Task{
		Token:       "tok-1",
		ExecutionID: exec.ID,
		StateName:   "Charge",
		Handler:     "charge-card",
		Attempt:     1,
	}
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

// ── Execution lifecycle tests ────────────────────────

func TestExtension_ExecutionStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()

	if err := e.OnExecutionStarted(context.Background(), exec); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionExecutionStarted {
		t.Errorf("Action: want %q, got %q", ah.ActionExecutionStarted, evt.Action)
	}
	if evt.Resource != ah.ResourceExecution {
		t.Errorf("Resource: want %q, got %q", ah.ResourceExecution, evt.Resource)
	}
	if evt.Category != ah.CategoryExecution {
		t.Errorf("Category: want %q, got %q", ah.CategoryExecution, evt.Category)
	}
	if evt.ResourceID != exec.ID.String() {
		t.Errorf("ResourceID: want %q, got %q", exec.ID.String(), evt.ResourceID)
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("Severity/Outcome: got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["definition"] != "order" || evt.Metadata["version"] != 2 {
		t.Errorf("Metadata: %v", evt.Metadata)
	}
	if _, ok := evt.Metadata["parent_id"]; ok {
		t.Error("top-level execution carries parent_id")
	}
}

func TestExtension_ExecutionSucceeded(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnExecutionSucceeded(context.Background(), newTestExecution(), 2*time.Second); err != nil {
		t.Fatalf("OnExecutionSucceeded: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionExecutionSucceeded {
		t.Errorf("Action: want %q, got %q", ah.ActionExecutionSucceeded, evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != int64(2000) {
		t.Errorf("Metadata[elapsed_ms]: want %d, got %v", 2000, evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_ExecutionFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()
	exec.Status = execution.StatusFailed
	exec.Error = "CardDeclined"
	exec.Cause = "insufficient funds"

	if err := e.OnExecutionFailed(context.Background(), exec); err != nil {
		t.Fatalf("OnExecutionFailed: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, evt.Severity)
	}
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome: want %q, got %q", ah.OutcomeFailure, evt.Outcome)
	}
	if evt.Reason != "CardDeclined: insufficient funds" {
		t.Errorf("Reason: got %q", evt.Reason)
	}
	if evt.Metadata["error"] != "CardDeclined" {
		t.Errorf("Metadata[error]: got %v", evt.Metadata["error"])
	}
}

func TestExtension_ExecutionStopped(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()
	exec.Cause = "operator request"

	if err := e.OnExecutionStopped(context.Background(), exec); err != nil {
		t.Fatalf("OnExecutionStopped: %v", err)
	}

	evt := rec.last()
	if evt.Action != ah.ActionExecutionStopped || evt.Severity != ah.SeverityWarning {
		t.Errorf("event = %+v", evt)
	}
	if evt.Reason != "operator request" {
		t.Errorf("Reason: got %q", evt.Reason)
	}
}

func TestExtension_ChildExecutionCarriesParent(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()
	exec.ParentID = id.NewExecutionID()

	_ = e.OnExecutionStarted(context.Background(), exec)
	if got := rec.last().Metadata["parent_id"]; got != exec.ParentID.String() {
		t.Errorf("Metadata[parent_id]: want %q, got %v", exec.ParentID.String(), got)
	}
}

// ── Task lifecycle tests ─────────────────────────────

func TestExtension_TaskScheduled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()

	if err := e.OnTaskScheduled(context.Background(), newTestTask(exec)); err != nil {
		t.Fatalf("OnTaskScheduled: %v", err)
	}

	evt := rec.last()
	if evt.Category != ah.CategoryTask || evt.ResourceID != exec.ID.String() {
		t.Errorf("event = %+v", evt)
	}
	if evt.Metadata["handler"] != "charge-card" || evt.Metadata["state"] != "Charge" {
		t.Errorf("Metadata: %v", evt.Metadata)
	}
}

func TestExtension_TaskFailedAndRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	exec := newTestExecution()
	ctx := context.Background()

	if err := e.OnTaskFailed(ctx, exec, "Charge", "Timeout", ""); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if evt := rec.last(); evt.Reason != "Timeout" || evt.Severity != ah.SeverityWarning {
		t.Errorf("failed event = %+v", evt)
	}

	if err := e.OnTaskRetrying(ctx, exec, "Charge", 2, 1500*time.Millisecond); err != nil {
		t.Fatalf("OnTaskRetrying: %v", err)
	}
	evt := rec.last()
	if evt.Metadata["attempt"] != 2 || evt.Metadata["delay_ms"] != int64(1500) {
		t.Errorf("Metadata: %v", evt.Metadata)
	}
}

// ── Schedule lifecycle tests ─────────────────────────

func TestExtension_ScheduleFired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	execID := id.NewExecutionID()

	if err := e.OnScheduleFired(context.Background(), "nightly", execID); err != nil {
		t.Fatalf("OnScheduleFired: %v", err)
	}

	evt := rec.last()
	if evt.Resource != ah.ResourceSchedule || evt.Category != ah.CategorySchedule {
		t.Errorf("event = %+v", evt)
	}
	if evt.ResourceID != "nightly" {
		t.Errorf("ResourceID: want %q, got %q", "nightly", evt.ResourceID)
	}
	if evt.Metadata["execution_id"] != execID.String() {
		t.Errorf("Metadata[execution_id]: got %v", evt.Metadata["execution_id"])
	}
}

// ── WithActions filter tests ─────────────────────────

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionExecutionFailed, ah.ActionTaskRetrying))
	ctx := context.Background()
	exec := newTestExecution()

	if err := e.OnExecutionStarted(ctx, exec); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (started disabled), got %d", rec.count())
	}

	_ = e.OnExecutionFailed(ctx, exec)
	_ = e.OnTaskRetrying(ctx, exec, "Charge", 1, time.Second)
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

// ── Recorder tests ───────────────────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failing := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	if err := e.OnExecutionStarted(context.Background(), newTestExecution()); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := ah.New(ah.NewLogRecorder(logger))

	exec := newTestExecution()
	exec.Error = "Boom"
	if err := e.OnExecutionFailed(context.Background(), exec); err != nil {
		t.Fatalf("OnExecutionFailed: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["level"] != "ERROR" || line["action"] != ah.ActionExecutionFailed {
		t.Errorf("line = %v", line)
	}
	meta, _ := line["metadata"].(map[string]any)
	if meta["definition"] != "order" {
		t.Errorf("metadata = %v", line["metadata"])
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	exec := newTestExecution()

	reg.EmitExecutionStarted(ctx, exec)
	reg.EmitExecutionSucceeded(ctx, exec, time.Second)
	reg.EmitExecutionFailed(ctx, exec)
	reg.EmitExecutionStopped(ctx, exec)
	reg.EmitTaskScheduled(ctx, newTestTask(exec))
	reg.EmitTaskSucceeded(ctx, exec, "Charge", 10*time.Millisecond)
	reg.EmitTaskFailed(ctx, exec, "Charge", "Timeout", "")
	reg.EmitTaskRetrying(ctx, exec, "Charge", 1, time.Second)
	reg.EmitScheduleFired(ctx, "hourly", exec.ID)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}
