// Package queue enforces per-handler rate limits and concurrency caps on
// task delivery.
//
// Every task names the handler that must run it. The task dispatcher keeps
// one FIFO per handler and asks the [Manager] before handing a task to a
// poller; the slot is given back when the task's token is retired.
//
// # Per-Handler Configuration
//
//	queue.Config{
//	    Name:           "send_notification",
//	    MaxConcurrency: 5,  // max 5 notifications in flight
//	    RateLimit:      10, // max 10 tasks/s handed out
//	    RateBurst:      20, // allow bursts up to 20
//	}
//
// # Manager
//
// [Manager] uses a token-bucket rate limiter (golang.org/x/time/rate) and
// an active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(handler) {
//	    defer m.Release(handler)
//	    // deliver the task
//	}
//
// Handlers without a [Config] have no limits.
package queue
