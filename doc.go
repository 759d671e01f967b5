// Package stepflow provides a durable workflow orchestration engine for Go.
// It accepts declarative state machine definitions, drives executions of
// those definitions to completion, and persists every transition as an
// append-only event log so executions survive process restarts.
//
// stepflow is usable as a library or as the stepflowd daemon. Import it,
// configure a store, register task handlers as ordinary Go functions, and
// start executions through the engine or the HTTP/WebSocket surfaces.
//
// # Quick Start
//
//	st := memory.New()
//	reg := definition.NewRegistry(st)
//	def, _, err := reg.RegisterYAML(ctx, src)
//
//	eng := engine.New(st, reg, dispatcher, wheel, engine.WithLogger(logger))
//	eng.Start(ctx)
//	execID, err := eng.StartExecution(ctx, engine.StartRequest{
//	    Definition: def.Name,
//	    Input:      json.RawMessage(`{"amount": 150}`),
//	})
//
// # Architecture
//
// stepflow follows a composable store pattern where each subsystem
// (definition, execution, schedule) defines its own store interface and a
// single backend implements all of them. Task handlers never run inside the
// engine: the engine mints a task token, persists it, and hands the task to
// a dispatcher that in-process pools or remote workers poll. Completions
// come back through SendTaskSuccess and SendTaskFailure.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package stepflow
