package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/task"
)

// branchTasks collects the two branch tasks of fanoutDef keyed by handler.
func branchTasks(t *testing.T, h *harness) map[string]*task.Task {
	t.Helper()
	got := make(map[string]*task.Task)
	for len(got) < 2 {
		tk := h.tasks.next(t)
		got[tk.Handler] = tk
	}
	if got["branch-a"] == nil || got["branch-b"] == nil {
		t.Fatalf("unexpected branch tasks: %v", got)
	}
	return got
}

func TestParallelCollectsOutputsInBranchOrder(t *testing.T) {
	h := startHarness(t, stepflow.EngineConfig{}, fanoutDef)
	ctx := context.Background()

	exec := h.startExec(t, "fanout", `{"order":"A1"}`)
	tasks := branchTasks(t, h)
	if string(tasks["branch-a"].Input) != `{"order":"A1"}` {
		t.Errorf("branch input = %s, want the parent's state input", tasks["branch-a"].Input)
	}

	// Finish the second branch first.
	if err := h.eng.SendTaskSuccess(ctx, tasks["branch-b"].Token, json.RawMessage(`{"b":2}`)); err != nil {
		t.Fatalf("SendTaskSuccess(b): %v", err)
	}
	if err := h.eng.SendTaskSuccess(ctx, tasks["branch-a"].Token, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("SendTaskSuccess(a): %v", err)
	}

	final := h.waitStatus(t, exec.ID, execution.StatusSucceeded)
	var out struct {
		Order   string           `json:"order"`
		Results []map[string]int `json:"results"`
	}
	if err := json.Unmarshal(final.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Order != "A1" || len(out.Results) != 2 || out.Results[0]["a"] != 1 || out.Results[1]["b"] != 2 {
		t.Fatalf("output = %s", final.Output)
	}

	children, err := h.eng.ListExecutions(ctx, execution.ListOpts{ParentID: exec.ID})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		want := "Fan/0"
		if c.BranchIndex == 1 {
			want = "Fan/1"
		}
		if c.BranchPath != want || c.Status != execution.StatusSucceeded {
			t.Errorf("child %d: path %q status %s", c.BranchIndex, c.BranchPath, c.Status)
		}
	}
}

func TestParallelBranchFailureStopsSiblings(t *testing.T) {
	h := startHarness(t, stepflow.EngineConfig{}, fanoutDef)
	ctx := context.Background()

	exec := h.startExec(t, "fanout", `{}`)
	tasks := branchTasks(t, h)

	if err := h.eng.SendTaskFailure(ctx, tasks["branch-a"].Token, "BranchBroke", "disk full"); err != nil {
		t.Fatalf("SendTaskFailure: %v", err)
	}

	final := h.waitStatus(t, exec.ID, execution.StatusFailed)
	if final.Error != "BranchBroke" || final.Cause != "disk full" {
		t.Errorf("parent error = %q %q", final.Error, final.Cause)
	}

	children, err := h.eng.ListExecutions(ctx, execution.ListOpts{ParentID: exec.ID})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	for _, c := range children {
		if c.BranchIndex != 1 {
			continue
		}
		sibling := h.waitStatus(t, c.ID, execution.StatusStopped)
		if sibling.Error != stepflow.ErrorKindStopped {
			t.Errorf("sibling error = %q", sibling.Error)
		}
	}
	if !h.tasks.isRetired(tasks["branch-b"].Token) {
		t.Error("sibling token was not retired")
	}

	// The sibling's late result is discarded.
	if err := h.eng.SendTaskSuccess(ctx, tasks["branch-b"].Token, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("late SendTaskSuccess: %v", err)
	}
	if got := h.get(t, exec.ID); got.Status != execution.StatusFailed {
		t.Errorf("parent status changed to %s", got.Status)
	}
}

func TestStopParentStopsBranches(t *testing.T) {
	h := startHarness(t, stepflow.EngineConfig{}, fanoutDef)
	ctx := context.Background()

	exec := h.startExec(t, "fanout", `{}`)
	tasks := branchTasks(t, h)

	if err := h.eng.StopExecution(ctx, exec.ID, "cancelled"); err != nil {
		t.Fatalf("StopExecution: %v", err)
	}
	children, err := h.eng.ListExecutions(ctx, execution.ListOpts{ParentID: exec.ID})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for _, c := range children {
		h.waitStatus(t, c.ID, execution.StatusStopped)
	}
	for _, tk := range tasks {
		if !h.tasks.isRetired(tk.Token) {
			t.Errorf("%s token was not retired", tk.Handler)
		}
	}
	if got := h.get(t, exec.ID); got.Status != execution.StatusStopped {
		t.Errorf("parent status = %s", got.Status)
	}
}
