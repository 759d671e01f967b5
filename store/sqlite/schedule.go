package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
)

// CreateSchedule persists a new entry. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stepflow_schedules (id, name, body) VALUES (?, ?, ?)`,
		entry.ID.String(), entry.Name, body,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/sqlite: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves an entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	var (
		body        []byte
		lockedBy    string
		lockedUntil int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, locked_by, locked_until FROM stepflow_schedules WHERE id = ?`, entryID.String(),
	).Scan(&body, &lockedBy, &lockedUntil)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("stepflow/sqlite: get schedule: %w", err)
	}
	return decodeEntry(body, lockedBy, lockedUntil)
}

// ListSchedules returns all entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body, locked_by, locked_until FROM stepflow_schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: list schedules: %w", err)
	}
	defer rows.Close()

	result := make([]*schedule.Entry, 0)
	for rows.Next() {
		var (
			body        []byte
			lockedBy    string
			lockedUntil int64
		)
		if err := rows.Scan(&body, &lockedBy, &lockedUntil); err != nil {
			return nil, fmt.Errorf("stepflow/sqlite: scan schedule: %w", err)
		}
		e, err := decodeEntry(body, lockedBy, lockedUntil)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// AcquireScheduleLock takes the firing lock when it is free, expired or
// already held by workerID.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_schedules
		SET locked_by = ?, locked_until = ?
		WHERE id = ? AND (locked_by = '' OR locked_by = ? OR locked_until <= ?)`,
		workerID.String(), now.Add(ttl).UnixNano(), entryID.String(), workerID.String(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("stepflow/sqlite: acquire schedule lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // sqlite always reports rows affected
		return true, nil
	}
	if _, err := s.GetSchedule(ctx, entryID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseScheduleLock releases the firing lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_schedules SET locked_by = '', locked_until = 0
		WHERE id = ? AND locked_by = ?`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: release schedule lock: %w", err)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE stepflow_schedules SET name = ?, body = ? WHERE id = ?`,
		cp.Name, body, cp.ID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/sqlite: update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return stepflow.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes an entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stepflow_schedules WHERE id = ?`, entryID.String())
	if err != nil {
		return fmt.Errorf("stepflow/sqlite: delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
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
		return nil, fmt.Errorf("stepflow/sqlite: encode schedule: %w", err)
	}
	return body, nil
}

func decodeEntry(body []byte, lockedBy string, lockedUntil int64) (*schedule.Entry, error) {
	var e schedule.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: decode schedule: %w", err)
	}
	if lockedBy != "" {
		e.LockedBy = lockedBy
		until := time.Unix(0, lockedUntil).UTC()
		e.LockedUntil = &until
	}
	return &e, nil
}
