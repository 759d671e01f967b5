package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/task"
)

// registerBuiltins adds the handlers every stepflowd process serves. They
// are useful for smoke-testing definitions before real workers exist.
func registerBuiltins(reg *task.Registry) {
	reg.Register("echo", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		if len(input) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return input, nil
	})

	task.RegisterTyped(reg, "fail", func(_ context.Context, in failInput) (struct{}, error) {
		return struct{}{}, stepflow.NewTaskError(in.Error, in.Cause)
	})

	task.RegisterTyped(reg, "sleep", func(ctx context.Context, in sleepInput) (sleepInput, error) {
		d, err := time.ParseDuration(in.Duration)
		if err != nil {
			return in, stepflow.NewTaskError("InvalidDuration", err.Error())
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return in, ctx.Err()
		case <-t.C:
			return in, nil
		}
	})
}

type failInput struct {
	Error string `json:"error"`
	Cause string `json:"cause"`
}

type sleepInput struct {
	Duration string `json:"duration"`
}
