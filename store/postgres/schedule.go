package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
)

const scheduleColumns = `body, locked_by, locked_until`

// CreateSchedule persists a new entry. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stepflow_schedules (id, name, body) VALUES ($1, $2, $3)`,
		entry.ID.String(), entry.Name, body,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves an entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM stepflow_schedules WHERE id = $1`, entryID.String())
	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("stepflow/postgres: get schedule: %w", err)
	}
	return e, nil
}

// ListSchedules returns all entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM stepflow_schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: list schedules: %w", err)
	}
	defer rows.Close()

	result := make([]*schedule.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("stepflow/postgres: scan schedule: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AcquireScheduleLock takes the firing lock when it is free, expired or
// already held by workerID.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE stepflow_schedules
		SET locked_by = $1, locked_until = $2
		WHERE id = $3
		  AND (locked_by = '' OR locked_by = $1 OR locked_until IS NULL OR locked_until <= $4)`,
		workerID.String(), now.Add(ttl), entryID.String(), now,
	)
	if err != nil {
		return false, fmt.Errorf("stepflow/postgres: acquire schedule lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetSchedule(ctx, entryID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseScheduleLock releases the firing lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stepflow_schedules SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("stepflow/postgres: release schedule lock: %w", err)
	}
	return nil
}

// UpdateSchedule replaces an entry. Lock columns are kept.
func (s *Store) UpdateSchedule(ctx context.Context, entry *schedule.Entry) error {
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	body, err := encodeEntry(&cp)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE stepflow_schedules SET name = $1, body = $2 WHERE id = $3`,
		cp.Name, body, cp.ID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stepflow.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes an entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stepflow_schedules WHERE id = $1`, entryID.String())
	if err != nil {
		return fmt.Errorf("stepflow/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stepflow.ErrScheduleNotFound
	}
	return nil
}

// encodeEntry stores everything but the lock, which lives in its own
// columns.
func encodeEntry(e *schedule.Entry) ([]byte, error) {
	cp := *e
	cp.LockedBy = ""
	cp.LockedUntil = nil
	body, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: encode schedule: %w", err)
	}
	return body, nil
}

func scanEntry(row pgx.Row) (*schedule.Entry, error) {
	var (
		body        []byte
		lockedBy    string
		lockedUntil *time.Time
	)
	if err := row.Scan(&body, &lockedBy, &lockedUntil); err != nil {
		return nil, err
	}
	var e schedule.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	if lockedBy != "" {
		e.LockedBy = lockedBy
		e.LockedUntil = lockedUntil
	}
	return &e, nil
}
