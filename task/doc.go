// Package task carries work between the engine and the handlers that run
// it.
//
// When an execution enters a Task state the engine mints a token, records
// a TaskScheduled event and hands a [Task] to the [Dispatcher]. Pollers
// (the local worker pool, HTTP long-poll clients, DWP remote workers) take
// tasks for the handler names they serve and report the outcome to the
// engine with the token. Delivery is at least once; handlers must be
// idempotent.
//
// Local handlers are registered in a [Registry], either type-erased:
//
//	reg.Register("charge", func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
//	    ...
//	})
//
// or typed:
//
//	task.RegisterTyped(reg, "charge", func(ctx context.Context, in Order) (Receipt, error) {
//	    ...
//	})
//
// Handlers report a classified failure by returning a [stepflow.TaskError];
// any other error is reported with kind TaskFailed.
package task
