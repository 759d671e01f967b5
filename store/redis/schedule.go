package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
)

// CreateSchedule persists a new entry. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	entryID := entry.ID.String()
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("stepflow/redis: encode schedule: %w", err)
	}

	claimed, err := s.client.HSetNX(ctx, scheduleNamesKey, entry.Name, entryID).Result()
	if err != nil {
		return fmt.Errorf("stepflow/redis: claim schedule name: %w", err)
	}
	if !claimed {
		return stepflow.ErrDuplicateSchedule
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(entryID), body, 0)
	pipe.SAdd(ctx, scheduleIDsKey, entryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stepflow/redis: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves an entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	return getEntry(ctx, s.client, entryID.String())
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getEntry(ctx context.Context, c getter, entryID string) (*schedule.Entry, error) {
	raw, err := c.Get(ctx, scheduleKey(entryID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, stepflow.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("stepflow/redis: get schedule: %w", err)
	}
	var e schedule.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("stepflow/redis: decode schedule: %w", err)
	}
	return &e, nil
}

// ListSchedules returns all entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	ids, err := s.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: list schedules: %w", err)
	}
	result := make([]*schedule.Entry, 0, len(ids))
	for _, entryID := range ids {
		e, err := getEntry(ctx, s.client, entryID)
		if err != nil {
			if errors.Is(err, stepflow.ErrScheduleNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// AcquireScheduleLock takes the firing lock when it is free, expired or
// already held by workerID. Losing a WATCH race reports false.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	key := scheduleKey(entryID.String())
	acquired := false

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		e, err := getEntry(ctx, tx, entryID.String())
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if e.LockedBy != "" && e.LockedBy != workerID.String() && e.LockedUntil != nil && e.LockedUntil.After(now) {
			return nil
		}
		e.LockedBy = workerID.String()
		until := now.Add(ttl)
		e.LockedUntil = &until
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		if err == nil {
			acquired = true
		}
		return err
	}, key)

	switch {
	case err == nil:
		return acquired, nil
	case errors.Is(err, goredis.TxFailedErr):
		return false, nil
	case errors.Is(err, stepflow.ErrScheduleNotFound):
		return false, stepflow.ErrScheduleNotFound
	default:
		return false, fmt.Errorf("stepflow/redis: acquire schedule lock: %w", err)
	}
}

// ReleaseScheduleLock releases the firing lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	return s.mutate(ctx, entryID, func(e *schedule.Entry) bool {
		if e.LockedBy != workerID.String() {
			return false
		}
		e.LockedBy = ""
		e.LockedUntil = nil
		return true
	})
}

// UpdateSchedule replaces an entry. Lock fields are kept.
func (s *Store) UpdateSchedule(ctx context.Context, entry *schedule.Entry) error {
	return s.mutate(ctx, entry.ID, func(e *schedule.Entry) bool {
		lockedBy, lockedUntil := e.LockedBy, e.LockedUntil
		*e = *entry
		e.LockedBy = lockedBy
		e.LockedUntil = lockedUntil
		e.UpdatedAt = time.Now().UTC()
		return true
	})
}

// mutate applies fn to the stored entry under WATCH, retrying when
// another writer got in first.
func (s *Store) mutate(ctx context.Context, entryID id.ScheduleID, fn func(*schedule.Entry) bool) error {
	key := scheduleKey(entryID.String())
	var err error
	for range 5 {
		err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
			e, err := getEntry(ctx, tx, entryID.String())
			if err != nil {
				return err
			}
			if !fn(e) {
				return nil
			}
			body, err := json.Marshal(e)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, body, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, stepflow.ErrScheduleNotFound):
		return stepflow.ErrScheduleNotFound
	default:
		return fmt.Errorf("stepflow/redis: update schedule: %w", err)
	}
}

// DeleteSchedule removes an entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	e, err := s.GetSchedule(ctx, entryID)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(entryID.String()))
	pipe.SRem(ctx, scheduleIDsKey, entryID.String())
	pipe.HDel(ctx, scheduleNamesKey, e.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stepflow/redis: delete schedule: %w", err)
	}
	return nil
}
