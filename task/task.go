package task

import (
	"encoding/json"
	"time"

	"github.com/xraph/stepflow/id"
)

// Task is one dispatch of a Task state.
type Task struct {
	Token       string          `json:"token"`
	ExecutionID id.ExecutionID  `json:"execution_id"`
	StateName   string          `json:"state"`
	Handler     string          `json:"handler"`
	Input       json.RawMessage `json:"input,omitempty"`
	Attempt     int             `json:"attempt"`
	Deadline    time.Time       `json:"deadline"`
	ScheduledAt time.Time       `json:"scheduled_at"`
}

// Expired reports whether the task's deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && !now.Before(t.Deadline)
}
