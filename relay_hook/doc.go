// Package relayhook is a stepflow extension that relays lifecycle events
// to external consumers.
//
// Each hook builds a typed payload and publishes an [Event] envelope
// through a [Publisher]. [RedisPublisher] publishes JSON envelopes on a
// Redis pub/sub channel, so webhook senders, audit pipelines and
// dashboards can react to executions without polling the Control API.
//
// # Usage
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	eng, _ := engine.New(st,
//	    engine.WithExtension(relayhook.New(relayhook.NewRedisPublisher(client, "stepflow.events"))),
//	)
//
// Publish failures are logged and never block the engine.
package relayhook
