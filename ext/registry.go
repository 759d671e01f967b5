package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
)

// entry pairs a hook implementation with the extension name captured at
// registration time. This avoids type-asserting back to Extension inside
// the emit methods.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	executionStarted   []entry[ExecutionStarted]
	executionSucceeded []entry[ExecutionSucceeded]
	executionFailed    []entry[ExecutionFailed]
	executionStopped   []entry[ExecutionStopped]
	stateEntered       []entry[StateEntered]
	taskScheduled      []entry[TaskScheduled]
	taskSucceeded      []entry[TaskSucceeded]
	taskFailed         []entry[TaskFailed]
	taskRetrying       []entry[TaskRetrying]
	scheduleFired      []entry[ScheduleFired]
	shutdown           []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// cache appends e to list when it implements H.
func cache[H any](list []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: name, hook: h})
	}
	return list
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.executionStarted = cache(r.executionStarted, name, e)
	r.executionSucceeded = cache(r.executionSucceeded, name, e)
	r.executionFailed = cache(r.executionFailed, name, e)
	r.executionStopped = cache(r.executionStopped, name, e)
	r.stateEntered = cache(r.stateEntered, name, e)
	r.taskScheduled = cache(r.taskScheduled, name, e)
	r.taskSucceeded = cache(r.taskSucceeded, name, e)
	r.taskFailed = cache(r.taskFailed, name, e)
	r.taskRetrying = cache(r.taskRetrying, name, e)
	r.scheduleFired = cache(r.scheduleFired, name, e)
	r.shutdown = cache(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	return r.extensions
}

// ──────────────────────────────────────────────────
// Execution event emitters
// ──────────────────────────────────────────────────

// EmitExecutionStarted notifies all extensions that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, exec *execution.Execution) {
	for _, e := range r.executionStarted {
		if err := e.hook.OnExecutionStarted(ctx, exec); err != nil {
			r.logHookError("OnExecutionStarted", e.name, err)
		}
	}
}

// EmitExecutionSucceeded notifies all extensions that implement ExecutionSucceeded.
func (r *Registry) EmitExecutionSucceeded(ctx context.Context, exec *execution.Execution, elapsed time.Duration) {
	for _, e := range r.executionSucceeded {
		if err := e.hook.OnExecutionSucceeded(ctx, exec, elapsed); err != nil {
			r.logHookError("OnExecutionSucceeded", e.name, err)
		}
	}
}

// EmitExecutionFailed notifies all extensions that implement ExecutionFailed.
func (r *Registry) EmitExecutionFailed(ctx context.Context, exec *execution.Execution) {
	for _, e := range r.executionFailed {
		if err := e.hook.OnExecutionFailed(ctx, exec); err != nil {
			r.logHookError("OnExecutionFailed", e.name, err)
		}
	}
}

// EmitExecutionStopped notifies all extensions that implement ExecutionStopped.
func (r *Registry) EmitExecutionStopped(ctx context.Context, exec *execution.Execution) {
	for _, e := range r.executionStopped {
		if err := e.hook.OnExecutionStopped(ctx, exec); err != nil {
			r.logHookError("OnExecutionStopped", e.name, err)
		}
	}
}

// EmitStateEntered notifies all extensions that implement StateEntered.
func (r *Registry) EmitStateEntered(ctx context.Context, exec *execution.Execution, state string) {
	for _, e := range r.stateEntered {
		if err := e.hook.OnStateEntered(ctx, exec, state); err != nil {
			r.logHookError("OnStateEntered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskScheduled notifies all extensions that implement TaskScheduled.
func (r *Registry) EmitTaskScheduled(ctx context.Context, t *task.Task) {
	for _, e := range r.taskScheduled {
		if err := e.hook.OnTaskScheduled(ctx, t); err != nil {
			r.logHookError("OnTaskScheduled", e.name, err)
		}
	}
}

// EmitTaskSucceeded notifies all extensions that implement TaskSucceeded.
func (r *Registry) EmitTaskSucceeded(ctx context.Context, exec *execution.Execution, state string, elapsed time.Duration) {
	for _, e := range r.taskSucceeded {
		if err := e.hook.OnTaskSucceeded(ctx, exec, state, elapsed); err != nil {
			r.logHookError("OnTaskSucceeded", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, exec *execution.Execution, state, kind, cause string) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, exec, state, kind, cause); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, exec *execution.Execution, state string, attempt int, delay time.Duration) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, exec, state, attempt, delay); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, entryName string, execID id.ExecutionID) {
	for _, e := range r.scheduleFired {
		if err := e.hook.OnScheduleFired(ctx, entryName, execID); err != nil {
			r.logHookError("OnScheduleFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated. They must not block the engine.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
