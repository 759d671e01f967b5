// Package ext defines the extension system for stepflow.
// Extensions are notified of lifecycle events such as execution started
// or task failed, and may react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionStarted is called after an execution is durably created.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, exec *execution.Execution) error
}

// ExecutionSucceeded is called after an execution reaches SUCCEEDED.
type ExecutionSucceeded interface {
	OnExecutionSucceeded(ctx context.Context, exec *execution.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called after an execution reaches FAILED.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, exec *execution.Execution) error
}

// ExecutionStopped is called after an execution is stopped.
type ExecutionStopped interface {
	OnExecutionStopped(ctx context.Context, exec *execution.Execution) error
}

// StateEntered is called each time an execution enters a state.
type StateEntered interface {
	OnStateEntered(ctx context.Context, exec *execution.Execution, state string) error
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskScheduled is called after a task is persisted and handed to the
// dispatcher.
type TaskScheduled interface {
	OnTaskScheduled(ctx context.Context, t *task.Task) error
}

// TaskSucceeded is called when a handler reports success for a live token.
type TaskSucceeded interface {
	OnTaskSucceeded(ctx context.Context, exec *execution.Execution, state string, elapsed time.Duration) error
}

// TaskFailed is called when a live token fails, including timeouts.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, exec *execution.Execution, state, kind, cause string) error
}

// TaskRetrying is called when a failed task is scheduled for retry.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, exec *execution.Execution, state string, attempt int, delay time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when a schedule entry starts an execution.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, entryName string, execID id.ExecutionID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
