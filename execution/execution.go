package execution

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/xraph/stepflow/id"
)

// Status is the lifecycle status of an execution.
type Status string

const (
	// StatusRunning means the execution has not reached a terminal state.
	StatusRunning Status = "RUNNING"
	// StatusSucceeded means a Succeed state or an end transition was reached.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed means a Fail state was reached or an error propagated.
	StatusFailed Status = "FAILED"
	// StatusStopped means StopExecution was called.
	StatusStopped Status = "STOPPED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// Awaiting describes what a running execution is parked on.
type Awaiting string

const (
	// AwaitNone means the execution is runnable.
	AwaitNone Awaiting = ""
	// AwaitTask means a task token is outstanding.
	AwaitTask Awaiting = "task"
	// AwaitTimer means a retry or Wait timer is outstanding.
	AwaitTimer Awaiting = "timer"
	// AwaitParallel means branch child executions are outstanding.
	AwaitParallel Awaiting = "parallel"
)

// Execution is the head projection of one execution's event log.
type Execution struct {
	ID                id.ExecutionID `json:"id"`
	Name              string         `json:"name"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int            `json:"definition_version"`

	// Branch children carry their parent, the index of their branch and
	// the path that resolves their state graph inside the definition.
	ParentID    id.ExecutionID `json:"parent_id,omitzero"`
	BranchIndex int            `json:"branch_index,omitempty"`
	BranchPath  string         `json:"branch_path,omitempty"`

	Status       Status          `json:"status"`
	CurrentState string          `json:"current_state,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Cause        string          `json:"cause,omitempty"`

	// Attempts counts the task dispatches made since the current state
	// was last entered.
	Attempts int `json:"attempts,omitempty"`

	Awaiting     Awaiting  `json:"awaiting,omitempty"`
	PendingToken string    `json:"pending_token,omitempty"`
	Handler      string    `json:"handler,omitempty"`
	Deadline     time.Time `json:"deadline,omitzero"`
	TimerID      string    `json:"timer_id,omitempty"`
	WakeAt       time.Time `json:"wake_at,omitzero"`

	Children       []id.ExecutionID  `json:"children,omitempty"`
	BranchOutputs  []json.RawMessage `json:"branch_outputs,omitempty"`
	BranchesClosed []bool            `json:"branches_closed,omitempty"`

	LastSeq     int64      `json:"last_seq"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsChild reports whether the execution runs a Parallel branch.
func (e *Execution) IsChild() bool {
	return !e.ParentID.IsNil()
}

// Runnable reports whether the execution can advance without waiting on
// a task, timer or branch.
func (e *Execution) Runnable() bool {
	return e.Status == StatusRunning && e.Awaiting == AwaitNone
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Input = slices.Clone(e.Input)
	c.Data = slices.Clone(e.Data)
	c.Output = slices.Clone(e.Output)
	c.Children = slices.Clone(e.Children)
	c.BranchesClosed = slices.Clone(e.BranchesClosed)
	if e.BranchOutputs != nil {
		c.BranchOutputs = make([]json.RawMessage, len(e.BranchOutputs))
		for i, o := range e.BranchOutputs {
			c.BranchOutputs[i] = slices.Clone(o)
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
