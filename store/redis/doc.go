// Package redis implements store.Store on Redis using go-redis v9.
//
// Head records, checkpoints and schedules are JSON strings. Event logs are
// Lists indexed by seq-1, and Sorted Sets keyed by start time back the
// listing queries. AppendEvents WATCHes the head key and commits with
// MULTI/EXEC, so a writer that lost the race sees ErrConcurrentUpdate.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
