// Package observability provides a lifecycle extension that records
// execution and task metrics through OpenTelemetry. Handler-level timing
// lives in the middleware package; this extension counts what the engine
// commits.
package observability
