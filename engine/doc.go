// Package engine advances executions through their state graphs.
//
// Every change to an execution is one transition: the engine takes the
// execution's lock, rebuilds the record from its event log, decides the
// next events, appends them with an optimistic sequence check and only then
// runs side effects such as dispatching a task or arming a timer. A crash
// between the append and the side effects is repaired at the next start,
// when every RUNNING execution is re-armed from its head record.
//
// The engine owns no goroutine per execution. Runnable executions and due
// timers are queued and served by a fixed set of workers, so a replica can
// hold any number of parked executions.
//
// # Control API
//
//	eng, _ := engine.New(store,
//	    engine.WithLogger(logger),
//	    engine.WithConfig(cfg.Engine),
//	)
//	_ = eng.Start(ctx)
//
//	exec, _ := eng.StartExecution(ctx, engine.StartRequest{
//	    Definition: "order",
//	    Input:      json.RawMessage(`{"amount": 120}`),
//	})
//
// Workers report results with [Engine.SendTaskSuccess] and
// [Engine.SendTaskFailure] using the token carried by the task.
package engine
