package stepflow_test

import (
	"context"
	"testing"

	"github.com/xraph/stepflow"
)

func TestTaskInfo(t *testing.T) {
	if _, ok := stepflow.TaskInfoFrom(context.Background()); ok {
		t.Fatal("bare context reported task info")
	}

	want := stepflow.TaskInfo{ExecutionID: "exec_1", StateName: "Pay", Token: "tok", Attempt: 2}
	got, ok := stepflow.TaskInfoFrom(stepflow.WithTaskInfo(context.Background(), want))
	if !ok {
		t.Fatal("TaskInfoFrom found nothing")
	}
	if got != want {
		t.Errorf("TaskInfo = %+v, want %+v", got, want)
	}
}
