package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/stepflow/task"
)

// Logging returns middleware that logs task start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		logger.Info("task started",
			slog.String("handler", t.Handler),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("state", t.StateName),
			slog.Int("attempt", t.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("task failed",
				slog.String("handler", t.Handler),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task completed",
				slog.String("handler", t.Handler),
				slog.String("execution_id", t.ExecutionID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
