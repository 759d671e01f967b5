package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/stepflow/id"
)

// Checkpoint is a snapshot of the head record at sequence Seq.
type Checkpoint struct {
	ExecutionID id.ExecutionID `json:"execution_id"`
	Seq         int64          `json:"seq"`
	State       []byte         `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewCheckpoint snapshots exec.
func NewCheckpoint(exec *Execution) (*Checkpoint, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("execution: encode checkpoint: %w", err)
	}
	return &Checkpoint{
		ExecutionID: exec.ID,
		Seq:         exec.LastSeq,
		State:       data,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Restore decodes the snapshot.
func (c *Checkpoint) Restore() (*Execution, error) {
	var exec Execution
	if err := json.Unmarshal(c.State, &exec); err != nil {
		return nil, fmt.Errorf("execution: decode checkpoint: %w", err)
	}
	if exec.LastSeq != c.Seq {
		return nil, fmt.Errorf("execution: checkpoint seq %d does not match snapshot seq %d", c.Seq, exec.LastSeq)
	}
	return &exec, nil
}

// Load rebuilds an execution from its log: the latest checkpoint plus the
// events after it, or every event when no checkpoint exists.
func Load(ctx context.Context, s Store, execID id.ExecutionID) (*Execution, error) {
	var base *Execution
	var after int64

	cp, err := s.LatestCheckpoint(ctx, execID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		base, err = cp.Restore()
		if err != nil {
			return nil, err
		}
		after = cp.Seq
	}

	events, err := s.ListEvents(ctx, execID, after, 0)
	if err != nil {
		return nil, err
	}
	if base == nil && len(events) == 0 {
		// Nothing to fold; surface the store's not-found error.
		if _, err := s.GetExecution(ctx, execID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("execution %s: empty event log", execID)
	}
	return Replay(base, events)
}
