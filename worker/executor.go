// Package worker runs task handlers in-process. A Pool of goroutines polls
// a Source for tasks, runs each through an Executor that applies
// middleware around the registered handler, and reports the outcome to a
// Completer.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/middleware"
	"github.com/xraph/stepflow/task"
)

// Completer receives handler outcomes keyed by task token.
type Completer interface {
	SendTaskSuccess(ctx context.Context, token string, output json.RawMessage) error
	SendTaskFailure(ctx context.Context, token, kind, cause string) error
}

// Executor runs a single task through middleware and the registered
// handler, then reports success or failure to the Completer.
type Executor struct {
	registry  *task.Registry
	completer Completer
	mw        middleware.Middleware
	logger    *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *task.Registry,
	completer Completer,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:  registry,
		completer: completer,
		mw:        middleware.Chain(mws...),
		logger:    logger,
	}
}

// Execute runs t and reports its outcome. The returned error is the
// reporting error, not the handler's; a retired token is not an error.
func (e *Executor) Execute(ctx context.Context, t *task.Task) error {
	handler, ok := e.registry.Get(t.Handler)
	if !ok {
		return e.report(ctx, t, nil, stepflow.NewTaskError("HandlerNotFound", t.Handler))
	}

	ctx = stepflow.WithTaskInfo(ctx, stepflow.TaskInfo{
		ExecutionID: t.ExecutionID.String(),
		StateName:   t.StateName,
		Token:       t.Token,
		Attempt:     t.Attempt,
	})

	var output json.RawMessage
	terminal := func(ctx context.Context) error {
		out, err := handler(ctx, t.Input)
		if err != nil {
			return err
		}
		output = out
		return nil
	}

	err := e.mw(ctx, t, terminal)
	return e.report(ctx, t, output, err)
}

func (e *Executor) report(ctx context.Context, t *task.Task, output json.RawMessage, handlerErr error) error {
	// The handler context may already be cancelled at its deadline; the
	// report must still reach the engine.
	ctx = context.WithoutCancel(ctx)

	var err error
	if handlerErr != nil {
		te := stepflow.AsTaskError(handlerErr)
		err = e.completer.SendTaskFailure(ctx, t.Token, te.Kind, te.Cause)
	} else {
		if len(output) == 0 {
			output = json.RawMessage("null")
		}
		err = e.completer.SendTaskSuccess(ctx, t.Token, output)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, stepflow.ErrTokenAlreadyRetired), errors.Is(err, stepflow.ErrTokenNotFound):
		e.logger.Debug("task result discarded",
			slog.String("token", t.Token),
			slog.String("handler", t.Handler),
			slog.String("reason", err.Error()),
		)
		return nil
	default:
		e.logger.Error("failed to report task result",
			slog.String("token", t.Token),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
}
