package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

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
		return fmt.Errorf("stepflow/postgres: encode execution: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO stepflow_executions
				(id, name, definition_name, parent_id, status, last_seq, started_at, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			head.ID.String(), head.Name, head.DefinitionName, parentKey(head),
			string(head.Status), head.LastSeq, head.StartedAt, body,
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
		if errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
			return stepflow.ErrExecutionAlreadyExists
		}
		return fmt.Errorf("stepflow/postgres: create execution: %w", err)
	}
	exec.LastSeq = head.LastSeq
	return nil
}

// AppendEvents appends a batch of events and replaces the head record.
// Concurrent writers queue on the row lock; every one after the first
// sees a changed last_seq and fails with ErrConcurrentUpdate.
func (s *Store) AppendEvents(ctx context.Context, exec *execution.Execution, expectedSeq int64, events []*execution.Event) error {
	head := exec.Clone()
	head.LastSeq = number(exec.ID, expectedSeq, events)
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("stepflow/postgres: encode execution: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE stepflow_executions
			SET status = $1, last_seq = $2, body = $3
			WHERE id = $4 AND last_seq = $5`,
			string(head.Status), head.LastSeq, body, head.ID.String(), expectedSeq,
		)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM stepflow_executions WHERE id = $1)`, head.ID.String(),
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
	case errors.Is(err, stepflow.ErrExecutionNotFound):
		return stepflow.ErrExecutionNotFound
	case errors.Is(err, stepflow.ErrConcurrentUpdate):
		return stepflow.ErrConcurrentUpdate
	default:
		return fmt.Errorf("stepflow/postgres: append events: %w", err)
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

// insertEvents writes the batch with a single round trip.
func insertEvents(ctx context.Context, tx pgx.Tx, events []*execution.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		token := ""
		if ev.Kind == execution.KindTaskScheduled {
			token = ev.Token
		}
		batch.Queue(
			`INSERT INTO stepflow_events (execution_id, seq, kind, token, body) VALUES ($1, $2, $3, $4, $5)`,
			ev.ExecutionID.String(), ev.Seq, string(ev.Kind), token, body,
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// GetExecution retrieves the head record of an execution.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT body FROM stepflow_executions WHERE id = $1`, execID.String())
	exec, err := scanExecution(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("stepflow/postgres: get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns head records matching opts, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}
	if opts.DefinitionName != "" {
		where = append(where, "definition_name = "+arg(opts.DefinitionName))
	}
	if !opts.ParentID.IsNil() {
		where = append(where, "parent_id = "+arg(opts.ParentID.String()))
	}

	query := `SELECT body FROM stepflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + arg(opts.Offset)
	}

	return s.queryExecutions(ctx, query, args...)
}

// ListPending returns every RUNNING execution, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*execution.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT body FROM stepflow_executions WHERE status = $1 ORDER BY started_at ASC, id ASC`,
		string(execution.StatusRunning),
	)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: list executions: %w", err)
	}
	defer rows.Close()

	result := make([]*execution.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("stepflow/postgres: scan execution: %w", err)
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// ListEvents returns events with seq > afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM stepflow_executions WHERE id = $1)`, execID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("stepflow/postgres: check execution: %w", err)
	}
	if !exists {
		return nil, stepflow.ErrExecutionNotFound
	}

	query := `SELECT body FROM stepflow_events WHERE execution_id = $1 AND seq > $2 ORDER BY seq ASC`
	args := []any{execID.String(), afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: list events: %w", err)
	}
	defer rows.Close()

	result := make([]*execution.Event, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stepflow/postgres: scan event: %w", err)
		}
		var ev execution.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("stepflow/postgres: decode event: %w", err)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// FindByToken returns the execution that scheduled a task token.
func (s *Store) FindByToken(ctx context.Context, token string) (id.ExecutionID, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT execution_id FROM stepflow_events WHERE token = $1 LIMIT 1`, token,
	).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, stepflow.ErrTokenNotFound
		}
		return id.Nil, fmt.Errorf("stepflow/postgres: find token: %w", err)
	}
	execID, err := id.ParseExecutionID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("stepflow/postgres: parse execution id %q: %w", raw, err)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepflow_checkpoints (execution_id, seq, state, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id) DO UPDATE
			SET seq = EXCLUDED.seq, state = EXCLUDED.state, created_at = EXCLUDED.created_at
			WHERE EXCLUDED.seq > stepflow_checkpoints.seq`,
		cp.ExecutionID.String(), cp.Seq, cp.State, created,
	)
	if err != nil {
		if isForeignKey(err) {
			return stepflow.ErrExecutionNotFound
		}
		return fmt.Errorf("stepflow/postgres: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, execID id.ExecutionID) (*execution.Checkpoint, error) {
	cp := &execution.Checkpoint{ExecutionID: execID}
	err := s.pool.QueryRow(ctx,
		`SELECT seq, state, created_at FROM stepflow_checkpoints WHERE execution_id = $1`, execID.String(),
	).Scan(&cp.Seq, &cp.State, &cp.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stepflow/postgres: latest checkpoint: %w", err)
	}
	return cp, nil
}

func scanExecution(row pgx.Row) (*execution.Execution, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var exec execution.Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}
