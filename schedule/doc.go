// Package schedule starts executions of a definition on a cron schedule.
//
// Entries live in the store, so every replica sees the same set. Each
// replica may run a [Scheduler]; a due entry is fired by whichever replica
// takes its firing lock first, and the execution name derived from the
// entry name and firing time keeps a racing replica from starting the same
// run twice.
//
// # Entry
//
// An [Entry] names:
//   - Cron: standard 5-field expression or a descriptor such as "@every 1h"
//   - Definition / Version: what to run; version 0 follows the latest
//   - Input: JSON passed to every execution
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: firing lock (managed by the scheduler)
//
// # Registering
//
//	sched := schedule.NewScheduler(store, start)
//	err := sched.Register(ctx, &schedule.Entry{
//	    Name:       "nightly-report",
//	    Cron:       "0 2 * * *",
//	    Definition: "report",
//	    Enabled:    true,
//	})
package schedule
