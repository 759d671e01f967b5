package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
)

// CreateExecution persists a new execution and its first events.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution, events []*execution.Event) error {
	head := exec.Clone()
	head.LastSeq = number(exec.ID, 0, events)
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: encode execution: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stepflow_executions
				(id, name, definition_name, parent_id, status, last_seq, started_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			head.ID.String(), head.Name, head.DefinitionName, parentKey(head),
			string(head.Status), head.LastSeq, head.StartedAt.UnixNano(), body,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return stepflow.ErrExecutionAlreadyExists
			}
			return fmt.Errorf("insert execution: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		if err == stepflow.ErrExecutionAlreadyExists {
			return err
		}
		return fmt.Errorf("stepflow/sqlite: create execution: %w", err)
	}
	exec.LastSeq = head.LastSeq
	return nil
}

// AppendEvents appends a batch of events and replaces the head record.
// The conditional update on last_seq is the optimistic concurrency check.
func (s *Store) AppendEvents(ctx context.Context, exec *execution.Execution, expectedSeq int64, events []*execution.Event) error {
	head := exec.Clone()
	head.LastSeq = number(exec.ID, expectedSeq, events)
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: encode execution: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE stepflow_executions
			SET status = ?, last_seq = ?, body = ?
			WHERE id = ? AND last_seq = ?`,
			string(head.Status), head.LastSeq, body, head.ID.String(), expectedSeq,
		)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM stepflow_executions WHERE id = ?)`, head.ID.String(),
			).Scan(&exists); err != nil {
				return fmt.Errorf("check execution: %w", err)
			}
			if !exists {
				return stepflow.ErrExecutionNotFound
			}
			return stepflow.ErrConcurrentUpdate
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			if isDuplicateKey(err) {
				return stepflow.ErrConcurrentUpdate
			}
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		exec.LastSeq = head.LastSeq
		return nil
	case err == stepflow.ErrExecutionNotFound, err == stepflow.ErrConcurrentUpdate:
		return err
	default:
		return fmt.Errorf("stepflow/sqlite: append events: %w", err)
	}
}

// number assigns sequence numbers after `after` and returns the last one.
func number(execID id.ExecutionID, after int64, events []*execution.Event) int64 {
	seq := after
	for _, ev := range events {
		seq++
		ev.Seq = seq
		ev.ExecutionID = execID
	}
	return seq
}

func parentKey(exec *execution.Execution) string {
	if !exec.IsChild() {
		return ""
	}
	return exec.ParentID.String()
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*execution.Event) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stepflow_events (execution_id, seq, kind, token, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		token := ""
		if ev.Kind == execution.KindTaskScheduled {
			token = ev.Token
		}
		if _, err := stmt.ExecContext(ctx, ev.ExecutionID.String(), ev.Seq, string(ev.Kind), token, body); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// GetExecution retrieves the head record of an execution.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM stepflow_executions WHERE id = ?`, execID.String(),
	).Scan(&body)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("stepflow/sqlite: get execution: %w", err)
	}
	return decodeExecution(body)
}

// ListExecutions returns head records matching opts, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, opts.DefinitionName)
	}
	if !opts.ParentID.IsNil() {
		where = append(where, "parent_id = ?")
		args = append(args, opts.ParentID.String())
	}

	query := `SELECT body FROM stepflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	return s.queryExecutions(ctx, query, args...)
}

// ListPending returns every RUNNING execution, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*execution.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT body FROM stepflow_executions WHERE status = ? ORDER BY started_at ASC, id ASC`,
		string(execution.StatusRunning),
	)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: list executions: %w", err)
	}
	defer rows.Close()

	result := make([]*execution.Execution, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stepflow/sqlite: scan execution: %w", err)
		}
		exec, err := decodeExecution(body)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// ListEvents returns events with seq > afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stepflow_executions WHERE id = ?)`, execID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: check execution: %w", err)
	}
	if !exists {
		return nil, stepflow.ErrExecutionNotFound
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM stepflow_events
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, execID.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: list events: %w", err)
	}
	defer rows.Close()

	result := make([]*execution.Event, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stepflow/sqlite: scan event: %w", err)
		}
		var ev execution.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("stepflow/sqlite: decode event: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// FindByToken returns the execution that scheduled a task token.
func (s *Store) FindByToken(ctx context.Context, token string) (id.ExecutionID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM stepflow_events WHERE token = ? LIMIT 1`, token,
	).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, stepflow.ErrTokenNotFound
		}
		return id.Nil, fmt.Errorf("stepflow/sqlite: find token: %w", err)
	}
	execID, err := id.ParseExecutionID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("stepflow/sqlite: parse execution id %q: %w", raw, err)
	}
	return execID, nil
}

// SaveCheckpoint stores the latest snapshot of an execution. An older
// snapshot never replaces a newer one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *execution.Checkpoint) error {
	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stepflow_checkpoints (execution_id, seq, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE
			SET seq = excluded.seq, state = excluded.state, created_at = excluded.created_at
			WHERE excluded.seq > stepflow_checkpoints.seq`,
		cp.ExecutionID.String(), cp.Seq, cp.State, created.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return stepflow.ErrExecutionNotFound
		}
		return fmt.Errorf("stepflow/sqlite: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, execID id.ExecutionID) (*execution.Checkpoint, error) {
	var (
		cp      = &execution.Checkpoint{ExecutionID: execID}
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, state, created_at FROM stepflow_checkpoints WHERE execution_id = ?`, execID.String(),
	).Scan(&cp.Seq, &cp.State, &created)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stepflow/sqlite: latest checkpoint: %w", err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created) //nolint:errcheck // written by SaveCheckpoint
	return cp, nil
}

func decodeExecution(body []byte) (*execution.Execution, error) {
	var exec execution.Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: decode execution: %w", err)
	}
	return &exec, nil
}
