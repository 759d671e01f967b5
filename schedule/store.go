package schedule

import (
	"context"
	"time"

	"github.com/xraph/stepflow/id"
)

// Store defines the persistence contract for schedule entries.
type Store interface {
	// CreateSchedule persists a new entry. Returns
	// stepflow.ErrDuplicateSchedule if the name already exists.
	CreateSchedule(ctx context.Context, entry *Entry) error

	// GetSchedule retrieves an entry by ID.
	GetSchedule(ctx context.Context, entryID id.ScheduleID) (*Entry, error)

	// ListSchedules returns all entries ordered by name.
	ListSchedules(ctx context.Context) ([]*Entry, error)

	// AcquireScheduleLock attempts to take the firing lock of an entry.
	// Returns true if the lock was acquired. The lock expires after ttl.
	AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseScheduleLock releases the firing lock held by workerID.
	ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error

	// UpdateSchedule replaces an entry (Enabled, NextRunAt, LastRunAt).
	UpdateSchedule(ctx context.Context, entry *Entry) error

	// DeleteSchedule removes an entry by ID.
	DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error
}
