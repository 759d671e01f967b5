package stepflow

import "context"

// TaskInfo describes the task a handler is running. Workers attach it to
// the handler context.
type TaskInfo struct {
	ExecutionID string
	StateName   string
	Token       string
	Attempt     int
}

type taskInfoKey struct{}

// WithTaskInfo returns a context carrying info.
func WithTaskInfo(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskInfoKey{}, info)
}

// TaskInfoFrom returns the TaskInfo attached by the worker, if any.
func TaskInfoFrom(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskInfoKey{}).(TaskInfo)
	return info, ok
}
