package stepflow_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xraph/stepflow"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  stepflow.ValidationError
		want string
	}{
		{"with path", stepflow.ValidationError{Path: "states.Pay.next", Message: "unknown state"}, "states.Pay.next: unknown state"},
		{"no path", stepflow.ValidationError{Message: "no states"}, "no states"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefinitionError(t *testing.T) {
	err := &stepflow.DefinitionError{Errors: []stepflow.ValidationError{
		{Path: "startAt", Message: "unknown state Missing"},
		{Path: "states.Orphan", Message: "unreachable", Warning: true},
		{Path: "states.Pay", Message: "task needs a handler"},
	}}

	if !errors.Is(err, stepflow.ErrInvalidDefinition) {
		t.Error("DefinitionError does not unwrap to ErrInvalidDefinition")
	}
	wrapped := fmt.Errorf("register: %w", err)
	var de *stepflow.DefinitionError
	if !errors.As(wrapped, &de) || len(de.Errors) != 3 {
		t.Fatalf("errors.As failed on %v", wrapped)
	}

	msg := err.Error()
	if !strings.Contains(msg, "unknown state Missing") || !strings.Contains(msg, "task needs a handler") {
		t.Errorf("message missing findings: %q", msg)
	}
	if strings.Contains(msg, "unreachable") {
		t.Errorf("warnings must not appear in the message: %q", msg)
	}
}

func TestNewTaskError(t *testing.T) {
	te := stepflow.NewTaskError("", "boom")
	if te.Kind != stepflow.ErrorKindTaskFailed {
		t.Errorf("Kind = %q, want %q", te.Kind, stepflow.ErrorKindTaskFailed)
	}
	if te.Error() != "TaskFailed: boom" {
		t.Errorf("Error() = %q", te.Error())
	}

	bare := stepflow.NewTaskError("Timeout", "")
	if bare.Error() != "Timeout" {
		t.Errorf("Error() = %q, want Timeout", bare.Error())
	}
}

func TestAsTaskError(t *testing.T) {
	orig := stepflow.NewTaskError("CardDeclined", "insufficient funds")
	if got := stepflow.AsTaskError(fmt.Errorf("charge: %w", orig)); got != orig {
		t.Errorf("AsTaskError = %+v, want the wrapped TaskError", got)
	}

	got := stepflow.AsTaskError(errors.New("connection reset"))
	if got.Kind != stepflow.ErrorKindTaskFailed || got.Cause != "connection reset" {
		t.Errorf("AsTaskError = %+v", got)
	}
}

func TestStoreError(t *testing.T) {
	err := &stepflow.StoreError{Op: "append", Err: stepflow.ErrConcurrentUpdate}
	if !errors.Is(err, stepflow.ErrConcurrentUpdate) {
		t.Error("StoreError does not unwrap")
	}
	if err.Error() != "stepflow: store append: stepflow: concurrent update of execution" {
		t.Errorf("Error() = %q", err.Error())
	}
}
