package execution

import (
	"context"

	"github.com/xraph/stepflow/id"
)

// ListOpts controls filtering and pagination for execution list queries.
type ListOpts struct {
	// Status filters by execution status. Empty means all statuses.
	Status Status
	// DefinitionName filters by definition. Empty means all definitions.
	DefinitionName string
	// ParentID filters to the branch children of one execution.
	ParentID id.ExecutionID
	// Limit is the maximum number of executions to return. Zero means no limit.
	Limit int
	// Offset is the number of executions to skip.
	Offset int
}

// Store defines the persistence contract for executions and their event
// logs.
type Store interface {
	// CreateExecution persists a new execution together with its first
	// events, assigning sequence numbers from 1. Returns
	// stepflow.ErrExecutionAlreadyExists if the ID is taken or if a
	// top-level execution with the same definition and name exists.
	CreateExecution(ctx context.Context, exec *Execution, events []*Event) error

	// AppendEvents appends an ordered batch of events and replaces the
	// head record, atomically. The stored last sequence must equal
	// expectedSeq, otherwise stepflow.ErrConcurrentUpdate is returned and
	// nothing is written. Sequence numbers are assigned to the events.
	AppendEvents(ctx context.Context, exec *Execution, expectedSeq int64, events []*Event) error

	// GetExecution retrieves the head record of an execution.
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)

	// ListExecutions returns head records matching opts, newest first.
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)

	// ListEvents returns events with seq > afterSeq in order. A limit of
	// zero returns all of them.
	ListEvents(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*Event, error)

	// FindByToken returns the execution that scheduled a task token.
	// Returns stepflow.ErrTokenNotFound if no TaskScheduled event carries
	// it.
	FindByToken(ctx context.Context, token string) (id.ExecutionID, error)

	// ListPending returns every RUNNING execution, oldest first.
	ListPending(ctx context.Context) ([]*Execution, error)

	// SaveCheckpoint stores a snapshot of the head record. Only the latest
	// checkpoint is needed; older ones may be discarded.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the most recent checkpoint, or nil with no
	// error when none exists.
	LatestCheckpoint(ctx context.Context, execID id.ExecutionID) (*Checkpoint, error)
}
