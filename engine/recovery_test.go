package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/store/memory"
)

func TestRecoveryRearmsParkedExecutions(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defs := []string{retryDef}

	first := newHarness(t, s, stepflow.EngineConfig{}, defs)
	first.start(t)

	retrying := first.startExec(t, "retrying", `{"n":1}`)
	tk := first.tasks.next(t)
	if err := first.eng.SendTaskFailure(ctx, tk.Token, "CardDeclined", ""); err != nil {
		t.Fatalf("SendTaskFailure: %v", err)
	}
	parkedOnTimer := first.get(t, retrying.ID)

	waiting := first.startExec(t, "retrying", `{"n":2}`)
	pending := first.tasks.next(t)
	parkedOnTask := first.get(t, waiting.ID)

	// Simulate a crash: the first engine stops and a fresh one takes over
	// the same store.
	if err := first.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	second := newHarness(t, s, stepflow.EngineConfig{}, defs)
	second.start(t)

	if got := second.eng.Running(); got != 2 {
		t.Errorf("running after recovery = %d, want 2", got)
	}

	armed, ok := second.timers.get(parkedOnTimer.TimerID)
	if !ok || !armed.at.Equal(parkedOnTimer.WakeAt) {
		t.Fatalf("retry timer not re-armed at %v", parkedOnTimer.WakeAt)
	}
	armed, ok = second.timers.get(pending.Token)
	if !ok || !armed.at.Equal(parkedOnTask.Deadline) {
		t.Fatalf("deadline timer not re-armed at %v", parkedOnTask.Deadline)
	}
	// Nothing is dispatched again on recovery.
	second.tasks.expectNone(t)

	desc, err := second.eng.DescribeExecution(ctx, retrying.ID)
	if err != nil {
		t.Fatalf("DescribeExecution: %v", err)
	}
	if mustJSON(t, desc.Execution) != mustJSON(t, parkedOnTimer) {
		t.Errorf("recovered view differs:\n%s\n%s", mustJSON(t, desc.Execution), mustJSON(t, parkedOnTimer))
	}

	// The retry continues where it left off.
	if err := second.eng.OnTimer(ctx, retrying.ID, parkedOnTimer.TimerID); err != nil {
		t.Fatalf("OnTimer: %v", err)
	}
	retried := second.tasks.next(t)
	if retried.Attempt != 2 {
		t.Errorf("attempt after recovery = %d, want 2", retried.Attempt)
	}
	if err := second.eng.SendTaskSuccess(ctx, retried.Token, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SendTaskSuccess: %v", err)
	}
	if st := second.get(t, retrying.ID).Status; st != execution.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", st)
	}

	// The task that was outstanding during the crash can still complete.
	if err := second.eng.SendTaskSuccess(ctx, pending.Token, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SendTaskSuccess(pending): %v", err)
	}
	if st := second.get(t, waiting.ID).Status; st != execution.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", st)
	}
}

func TestRecoveryResumesRunnableExecutions(t *testing.T) {
	s := memory.New()

	// An engine that never starts leaves the execution runnable in the
	// store.
	idle := newHarness(t, s, stepflow.EngineConfig{}, []string{chargeDef})
	exec := idle.startExec(t, "charge", `{}`)
	idle.tasks.expectNone(t)

	next := newHarness(t, s, stepflow.EngineConfig{}, []string{chargeDef})
	next.start(t)

	tk := next.tasks.next(t)
	if tk.ExecutionID.String() != exec.ID.String() || tk.Attempt != 1 {
		t.Fatalf("task = %+v", tk)
	}
}

func TestRecoveryLoadMatchesHead(t *testing.T) {
	ctx := context.Background()
	h := startHarness(t, stepflow.EngineConfig{}, retryDef)

	exec := h.startExec(t, "retrying", `{}`)
	tk := h.tasks.next(t)
	if err := h.eng.SendTaskFailure(ctx, tk.Token, "CardDeclined", ""); err != nil {
		t.Fatalf("SendTaskFailure: %v", err)
	}

	head := h.get(t, exec.ID)
	loaded, err := execution.Load(ctx, h.store, exec.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mustJSON(t, loaded) != mustJSON(t, head) {
		t.Errorf("replay differs from head:\n%s\n%s", mustJSON(t, loaded), mustJSON(t, head))
	}
}
