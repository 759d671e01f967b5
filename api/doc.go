// Package api serves the stepflow Control API over HTTP.
//
// Routes live under /v1:
//
//	POST /v1/definitions                    register a YAML or JSON definition
//	POST /v1/definitions/validate           validate without storing
//	GET  /v1/definitions                    latest version of each definition
//	GET  /v1/definitions/{name}?version=N   one definition
//	POST /v1/executions                     start an execution
//	GET  /v1/executions                     list (?status ?definition ?parent ?limit ?offset)
//	GET  /v1/executions/{id}                describe
//	POST /v1/executions/{id}/stop           stop
//	GET  /v1/executions/{id}/history        events (?after ?limit)
//	GET  /v1/executions/{id}/history/stream server-sent events, backlog then live
//	POST /v1/tasks/poll                     long-poll a task
//	POST /v1/tasks/success                  report a task result
//	POST /v1/tasks/failure                  report a task failure
//
// plus /healthz, /readyz and /metrics. Errors are JSON objects with an
// "error" message and optional "details".
package api
