package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/task"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to a TaskError of kind HandlerPanic and logged with
// a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("task handler panicked",
					slog.String("handler", t.Handler),
					slog.String("execution_id", t.ExecutionID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = stepflow.NewTaskError("HandlerPanic", fmt.Sprintf("panic in handler %s: %v", t.Handler, r))
			}
		}()
		return next(ctx)
	}
}
