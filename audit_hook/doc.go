// Package audithook is a stepflow extension that bridges lifecycle events
// to an audit trail backend.
//
// Every execution, task and schedule lifecycle hook emits a structured
// audit event through the [Recorder] interface. The extension assigns a
// severity (info for normal operations, warning for retries and task
// failures, critical for failed executions) and metadata such as the
// definition name, state and elapsed time.
//
// # Usage
//
//	eng, _ := engine.New(st,
//	    engine.WithExtension(audithook.New(audithook.NewLogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionExecutionFailed,
//	        audithook.ActionTaskRetrying,
//	    ),
//	)
package audithook
