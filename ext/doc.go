// Package ext defines the extension system for stepflow.
//
// Extensions are notified of lifecycle events and can react to them, for
// example by recording metrics or writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about. Hooks run after the corresponding
// transition is committed to the store; they never affect it.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnExecutionFailed(ctx context.Context, exec *execution.Execution) error {
//	    log.Printf("execution %s failed: %s", exec.ID, exec.Error)
//	    return nil
//	}
//
// # Execution Lifecycle Hooks
//
//   - [ExecutionStarted]: execution record created
//   - [ExecutionSucceeded]: execution reached SUCCEEDED
//   - [ExecutionFailed]: execution reached FAILED
//   - [ExecutionStopped]: execution was stopped
//   - [StateEntered]: execution entered a state
//
// # Task Lifecycle Hooks
//
//   - [TaskScheduled]: a task token was minted and dispatched
//   - [TaskSucceeded]: a handler reported success
//   - [TaskFailed]: a handler reported failure or the task timed out
//   - [TaskRetrying]: a failed task will be dispatched again
//
// # Other Hooks
//
//   - [ScheduleFired]: a schedule entry started an execution
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
