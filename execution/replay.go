package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/xraph/stepflow"
)

// ErrOutOfOrder is returned when an event does not follow the record's
// last sequence number.
var ErrOutOfOrder = errors.New("execution: event out of order")

// Apply folds one event into the record. The event must carry the next
// sequence number, or zero while a batch is still being built in memory.
func (e *Execution) Apply(ev Event) error {
	if ev.Seq != 0 && ev.Seq != e.LastSeq+1 {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, ev.Seq, e.LastSeq)
	}
	if ev.Seq != 0 {
		e.LastSeq = ev.Seq
	}
	e.UpdatedAt = ev.Time

	switch ev.Kind {
	case KindExecutionStarted:
		if ev.Start != nil {
			e.Name = ev.Start.Name
			e.DefinitionName = ev.Start.DefinitionName
			e.DefinitionVersion = ev.Start.DefinitionVersion
			e.ParentID = ev.Start.ParentID
			e.BranchIndex = ev.Start.BranchIndex
			e.BranchPath = ev.Start.BranchPath
		}
		if !ev.ExecutionID.IsNil() {
			e.ID = ev.ExecutionID
		}
		e.Status = StatusRunning
		e.Input = ev.Data
		e.Data = ev.Data
		e.StartedAt = ev.Time

	case KindStateEntered:
		e.CurrentState = ev.State
		if ev.Data != nil {
			e.Data = ev.Data
		}
		e.Attempts = 0
		e.clearWait()

	case KindTaskScheduled:
		e.Attempts = ev.Attempt
		e.Awaiting = AwaitTask
		e.PendingToken = ev.Token
		e.Handler = ev.Handler
		e.Deadline = ev.Deadline

	case KindTaskSucceeded, KindTaskFailed:
		e.clearWait()

	case KindRetryScheduled, KindWaitScheduled:
		e.clearWait()
		e.Awaiting = AwaitTimer
		e.TimerID = ev.TimerID
		e.WakeAt = ev.WakeAt

	case KindTimerFired:
		e.clearWait()

	case KindParallelStarted:
		e.clearWait()
		e.Awaiting = AwaitParallel
		e.Children = slices.Clone(ev.Children)
		e.BranchOutputs = make([]json.RawMessage, len(ev.Children))
		e.BranchesClosed = make([]bool, len(ev.Children))

	case KindBranchSucceeded, KindBranchFailed:
		if ev.BranchIndex < 0 || ev.BranchIndex >= len(e.BranchesClosed) {
			return fmt.Errorf("execution: branch %d out of range", ev.BranchIndex)
		}
		e.BranchesClosed[ev.BranchIndex] = true
		if ev.Kind == KindBranchSucceeded {
			e.BranchOutputs[ev.BranchIndex] = ev.Data
		}

	case KindStateExited:
		if ev.Data != nil {
			e.Data = ev.Data
		}
		e.clearWait()

	case KindExecutionSucceeded:
		e.Status = StatusSucceeded
		e.Output = ev.Data
		e.clearWait()
		e.complete(ev.Time)

	case KindExecutionFailed:
		e.Status = StatusFailed
		e.Error = ev.Error
		e.Cause = ev.Cause
		e.clearWait()
		e.complete(ev.Time)

	case KindExecutionStopped:
		// The pending token is kept so a late callback can be told apart
		// from an unknown one.
		e.Status = StatusStopped
		e.Error = stepflow.ErrorKindStopped
		e.Cause = ev.Cause
		e.Awaiting = AwaitNone
		e.TimerID = ""
		e.WakeAt = time.Time{}
		e.complete(ev.Time)

	default:
		return fmt.Errorf("execution: unknown event kind %q", ev.Kind)
	}
	return nil
}

func (e *Execution) clearWait() {
	e.Awaiting = AwaitNone
	e.PendingToken = ""
	e.Handler = ""
	e.Deadline = time.Time{}
	e.TimerID = ""
	e.WakeAt = time.Time{}
	e.Children = nil
	e.BranchOutputs = nil
	e.BranchesClosed = nil
}

func (e *Execution) complete(at time.Time) {
	t := at
	e.CompletedAt = &t
}

// Replay folds events onto base, which may be nil to start from an empty
// record. The events must continue base's sequence.
func Replay(base *Execution, events []*Event) (*Execution, error) {
	exec := base.Clone()
	if exec == nil {
		exec = &Execution{}
	}
	for _, ev := range events {
		if err := exec.Apply(*ev); err != nil {
			return nil, err
		}
	}
	return exec, nil
}
