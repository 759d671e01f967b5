package middleware

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/task"
)

// Timeout returns middleware that enforces the task deadline. The handler
// context is cancelled at the deadline; a handler that returns because of
// it is reported with kind Timeout.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if t.Deadline.IsZero() {
			return next(ctx)
		}
		logger.Debug("task deadline set",
			slog.String("token", t.Token),
			slog.Time("deadline", t.Deadline),
		)
		ctx, cancel := context.WithDeadline(ctx, t.Deadline)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return stepflow.NewTaskError(stepflow.ErrorKindTimeout, err.Error())
		}
		return err
	}
}
