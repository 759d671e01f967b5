package schedule

import (
	"encoding/json"
	"time"

	"github.com/xraph/stepflow/id"
)

// Entry starts an execution of a definition on a cron schedule.
type Entry struct {
	ID         id.ScheduleID `json:"id"`
	Name       string        `json:"name"`
	Cron       string        `json:"cron"`
	Definition string        `json:"definition"`

	// Version pins a definition version. Zero follows the latest.
	Version     int             `json:"version,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Enabled     bool            `json:"enabled"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
