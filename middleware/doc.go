// Package middleware provides composable middleware for task execution.
//
// A [Middleware] is a function that wraps a task handler. Middleware are
// composed into a chain using [Chain] and applied around each handler call
// made by the local worker pool. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs handler, execution, duration, and outcome
//   - [Recover]: catches panics and converts them to HandlerPanic failures
//   - [Timeout]: cancels the handler context at the task deadline
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-handler duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *task.Task, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
