package execution

import (
	"encoding/json"
	"time"

	"github.com/xraph/stepflow/id"
)

// Kind names an event in the execution log.
type Kind string

// Event kinds.
const (
	KindExecutionStarted   Kind = "ExecutionStarted"
	KindStateEntered       Kind = "StateEntered"
	KindStateExited        Kind = "StateExited"
	KindTaskScheduled      Kind = "TaskScheduled"
	KindTaskSucceeded      Kind = "TaskSucceeded"
	KindTaskFailed         Kind = "TaskFailed"
	KindRetryScheduled     Kind = "RetryScheduled"
	KindWaitScheduled      Kind = "WaitScheduled"
	KindTimerFired         Kind = "TimerFired"
	KindParallelStarted    Kind = "ParallelStarted"
	KindBranchSucceeded    Kind = "BranchSucceeded"
	KindBranchFailed       Kind = "BranchFailed"
	KindExecutionSucceeded Kind = "ExecutionSucceeded"
	KindExecutionFailed    Kind = "ExecutionFailed"
	KindExecutionStopped   Kind = "ExecutionStopped"
)

// Terminal reports whether the kind ends an execution.
func (k Kind) Terminal() bool {
	return k == KindExecutionSucceeded || k == KindExecutionFailed || k == KindExecutionStopped
}

// Event is one entry of an execution's history. Seq is assigned by the
// store and is strictly increasing from 1 within an execution. Only the
// fields relevant to Kind are set.
type Event struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Kind        Kind           `json:"kind"`
	Time        time.Time      `json:"time"`

	State string `json:"state,omitempty"`
	// Data is the payload the event carries: execution input, state
	// input or output, task input or result.
	Data json.RawMessage `json:"data,omitempty"`

	Token    string    `json:"token,omitempty"`
	Handler  string    `json:"handler,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Deadline time.Time `json:"deadline,omitzero"`

	TimerID string        `json:"timer_id,omitempty"`
	WakeAt  time.Time     `json:"wake_at,omitzero"`
	Delay   time.Duration `json:"delay,omitempty"`

	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`

	Children    []id.ExecutionID `json:"children,omitempty"`
	BranchIndex int              `json:"branch_index,omitempty"`

	// Start is set on ExecutionStarted and carries the identity the fold
	// needs to rebuild the record from scratch.
	Start *Start `json:"start,omitempty"`
}

// Start is the identity recorded by ExecutionStarted.
type Start struct {
	Name              string         `json:"name"`
	DefinitionName    string         `json:"definition_name"`
	DefinitionVersion int            `json:"definition_version"`
	ParentID          id.ExecutionID `json:"parent_id,omitzero"`
	BranchIndex       int            `json:"branch_index,omitempty"`
	BranchPath        string         `json:"branch_path,omitempty"`
}

// Started builds the ExecutionStarted event for a fresh record.
func Started(exec *Execution) Event {
	return Event{
		Kind: KindExecutionStarted,
		Time: exec.StartedAt,
		Data: exec.Input,
		Start: &Start{
			Name:              exec.Name,
			DefinitionName:    exec.DefinitionName,
			DefinitionVersion: exec.DefinitionVersion,
			ParentID:          exec.ParentID,
			BranchIndex:       exec.BranchIndex,
			BranchPath:        exec.BranchPath,
		},
	}
}
