// Package sqlite implements store.Store on SQLite through the pure-Go
// modernc.org/sqlite driver. Suitable for single-node deployments, CLI
// tools and tests.
//
// Execution heads, events, definitions and schedules are stored as JSON
// documents next to the columns that queries filter and order on. The
// optimistic append check is a conditional UPDATE on last_seq inside the
// same transaction as the event inserts.
//
//	s, err := sqlite.Open(ctx, "stepflow.db")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
package sqlite
