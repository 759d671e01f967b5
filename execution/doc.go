// Package execution holds the durable record of a running definition: an
// append-only event log per execution and the head projection folded from
// it.
//
// Every transition of an execution is one ordered batch of events appended
// atomically through [Store.AppendEvents]. The head record ([Execution]) is
// a cache of the fold; [Load] rebuilds it from the latest [Checkpoint]
// plus the events after it, or from the first event when no checkpoint
// exists. Both paths produce the same record.
package execution
