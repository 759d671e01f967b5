package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	version string
	name    string
	stmts   []string
}

// migrations are applied in order; each runs in its own transaction and is
// recorded in stepflow_migrations.
var migrations = []migration{
	{
		version: "20260301120000",
		name:    "create_definitions_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS stepflow_definitions (
				name        TEXT NOT NULL,
				version     INTEGER NOT NULL,
				body        BLOB NOT NULL,
				created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
				PRIMARY KEY (name, version)
			)`,
		},
	},
	{
		version: "20260301120001",
		name:    "create_executions_tables",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS stepflow_executions (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				definition_name  TEXT NOT NULL,
				parent_id        TEXT NOT NULL DEFAULT '',
				status           TEXT NOT NULL,
				last_seq         INTEGER NOT NULL,
				started_at       INTEGER NOT NULL,
				body             BLOB NOT NULL
			)`, `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_stepflow_executions_name
				ON stepflow_executions (definition_name, name)
				WHERE parent_id = ''`, `
			CREATE INDEX IF NOT EXISTS idx_stepflow_executions_status
				ON stepflow_executions (status, started_at)`, `
			CREATE INDEX IF NOT EXISTS idx_stepflow_executions_parent
				ON stepflow_executions (parent_id)
				WHERE parent_id <> ''`, `
			CREATE TABLE IF NOT EXISTS stepflow_events (
				execution_id  TEXT NOT NULL REFERENCES stepflow_executions(id) ON DELETE CASCADE,
				seq           INTEGER NOT NULL,
				kind          TEXT NOT NULL,
				token         TEXT NOT NULL DEFAULT '',
				body          BLOB NOT NULL,
				PRIMARY KEY (execution_id, seq)
			)`, `
			CREATE INDEX IF NOT EXISTS idx_stepflow_events_token
				ON stepflow_events (token)
				WHERE token <> ''`, `
			CREATE TABLE IF NOT EXISTS stepflow_checkpoints (
				execution_id  TEXT PRIMARY KEY REFERENCES stepflow_executions(id) ON DELETE CASCADE,
				seq           INTEGER NOT NULL,
				state         BLOB NOT NULL,
				created_at    TEXT NOT NULL
			)`,
		},
	},
	{
		version: "20260301120002",
		name:    "create_schedules_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS stepflow_schedules (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL UNIQUE,
				body          BLOB NOT NULL,
				locked_by     TEXT NOT NULL DEFAULT '',
				locked_until  INTEGER NOT NULL DEFAULT 0
			)`,
		},
	},
}

// Migrate applies every pending migration.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stepflow_migrations (
			version     TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM stepflow_migrations WHERE version = ?)`, m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("stepflow/sqlite: check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}

		err = s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO stepflow_migrations (version, name) VALUES (?, ?)`, m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("stepflow/sqlite: migration %s failed: %w", m.name, err)
		}
		s.logger.Info("applied migration", slog.String("name", m.name))
	}
	return nil
}
