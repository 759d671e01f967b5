// Package postgres implements store.Store on PostgreSQL using pgx/v5.
//
// Head records, events and schedules are stored as JSON documents next to
// the columns used for filtering. AppendEvents is a conditional UPDATE on
// last_seq inside a transaction, so the row lock serialises writers and the
// loser observes ErrConcurrentUpdate. Schema changes ship as embedded SQL
// files applied by Migrate.
//
//	s, err := postgres.New(ctx, "postgres://localhost:5432/stepflow?sslmode=disable")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
package postgres
