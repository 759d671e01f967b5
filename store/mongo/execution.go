package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
)

// CreateExecution persists a new execution and its first events. Without a
// replica set there is no multi-document transaction, so a failed event
// insert removes the head record again.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution, events []*execution.Event) error {
	head := exec.Clone()
	head.LastSeq = number(exec.ID, 0, events)
	m, err := toExecutionModel(head)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: %w", err)
	}

	if _, err := s.col(colExecutions).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrExecutionAlreadyExists
		}
		return fmt.Errorf("stepflow/mongo: create execution: %w", err)
	}
	if err := s.insertEvents(ctx, events); err != nil {
		_, _ = s.col(colExecutions).DeleteOne(ctx, bson.D{{Key: "_id", Value: m.ID}}) //nolint:errcheck // best-effort rollback
		return fmt.Errorf("stepflow/mongo: create execution: %w", err)
	}
	exec.LastSeq = head.LastSeq
	return nil
}

// AppendEvents appends a batch of events and replaces the head record.
func (s *Store) AppendEvents(ctx context.Context, exec *execution.Execution, expectedSeq int64, events []*execution.Event) error {
	head := exec.Clone()
	head.LastSeq = number(exec.ID, expectedSeq, events)
	m, err := toExecutionModel(head)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: %w", err)
	}

	// Events go first: the unique (execution_id, seq) index admits exactly
	// one writer per sequence range, and the head follows the log.
	if err := s.insertEvents(ctx, events); err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrConcurrentUpdate
		}
		return fmt.Errorf("stepflow/mongo: append events: %w", err)
	}

	res, err := s.col(colExecutions).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: m.ID}, {Key: "last_seq", Value: expectedSeq}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: m.Status},
			{Key: "last_seq", Value: m.LastSeq},
			{Key: "body", Value: m.Body},
		}}},
	)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: append events: %w", err)
	}
	if res.MatchedCount == 0 {
		s.deleteEvents(ctx, m.ID, expectedSeq, head.LastSeq)
		n, err := s.col(colExecutions).CountDocuments(ctx, bson.D{{Key: "_id", Value: m.ID}})
		if err != nil {
			return fmt.Errorf("stepflow/mongo: check execution: %w", err)
		}
		if n == 0 {
			return stepflow.ErrExecutionNotFound
		}
		return stepflow.ErrConcurrentUpdate
	}
	exec.LastSeq = head.LastSeq
	return nil
}

// deleteEvents removes events in (after, upTo] written by a batch whose
// head update lost.
func (s *Store) deleteEvents(ctx context.Context, execID string, after, upTo int64) {
	_, err := s.col(colEvents).DeleteMany(ctx, bson.D{
		{Key: "execution_id", Value: execID},
		{Key: "seq", Value: bson.D{{Key: "$gt", Value: after}, {Key: "$lte", Value: upTo}}},
	})
	if err != nil {
		s.logger.Warn("orphaned events left behind",
			"execution_id", execID,
			"error", err,
		)
	}
}

func (s *Store) insertEvents(ctx context.Context, events []*execution.Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, 0, len(events))
	for _, ev := range events {
		m, err := toEventModel(ev)
		if err != nil {
			return err
		}
		docs = append(docs, m)
	}
	_, err := s.col(colEvents).InsertMany(ctx, docs)
	return err
}

// number assigns sequence numbers after `after` and returns the last one.
func number(execID id.ExecutionID, after int64, events []*execution.Event) int64 {
	seq := after
	for _, ev := range events {
		seq++
		ev.Seq = seq
		ev.ExecutionID = execID
	}
	return seq
}

// GetExecution retrieves the head record of an execution.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var m executionModel
	err := s.col(colExecutions).FindOne(ctx, bson.D{{Key: "_id", Value: execID.String()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, stepflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("stepflow/mongo: get execution: %w", err)
	}
	exec, err := fromExecutionModel(&m)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: %w", err)
	}
	return exec, nil
}

// ListExecutions returns head records matching opts, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	filter := bson.D{}
	if opts.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(opts.Status)})
	}
	if opts.DefinitionName != "" {
		filter = append(filter, bson.E{Key: "definition_name", Value: opts.DefinitionName})
	}
	if !opts.ParentID.IsNil() {
		filter = append(filter, bson.E{Key: "parent_id", Value: opts.ParentID.String()})
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return s.findExecutions(ctx, filter, findOpts)
}

// ListPending returns every RUNNING execution, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*execution.Execution, error) {
	return s.findExecutions(ctx,
		bson.D{{Key: "status", Value: string(execution.StatusRunning)}},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
}

func (s *Store) findExecutions(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]*execution.Execution, error) {
	cursor, err := s.col(colExecutions).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list executions: %w", err)
	}
	var models []executionModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list executions: %w", err)
	}

	result := make([]*execution.Execution, 0, len(models))
	for i := range models {
		exec, err := fromExecutionModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("stepflow/mongo: %w", err)
		}
		result = append(result, exec)
	}
	return result, nil
}

// ListEvents returns events with seq > afterSeq in order. Events beyond
// the head's last_seq belong to an unfinished batch and are not returned.
func (s *Store) ListEvents(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	var head executionModel
	err := s.col(colExecutions).FindOne(ctx, bson.D{{Key: "_id", Value: execID.String()}},
		options.FindOne().SetProjection(bson.D{{Key: "last_seq", Value: 1}}),
	).Decode(&head)
	if err != nil {
		if isNoDocuments(err) {
			return nil, stepflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("stepflow/mongo: check execution: %w", err)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colEvents).Find(ctx, bson.D{
		{Key: "execution_id", Value: execID.String()},
		{Key: "seq", Value: bson.D{{Key: "$gt", Value: afterSeq}, {Key: "$lte", Value: head.LastSeq}}},
	}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list events: %w", err)
	}
	var models []eventModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list events: %w", err)
	}

	result := make([]*execution.Event, 0, len(models))
	for i := range models {
		ev, err := fromEventModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("stepflow/mongo: %w", err)
		}
		result = append(result, ev)
	}
	return result, nil
}

// FindByToken returns the execution that scheduled a task token.
func (s *Store) FindByToken(ctx context.Context, token string) (id.ExecutionID, error) {
	var m eventModel
	err := s.col(colEvents).FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return id.Nil, stepflow.ErrTokenNotFound
		}
		return id.Nil, fmt.Errorf("stepflow/mongo: find token: %w", err)
	}
	execID, err := id.ParseExecutionID(m.ExecutionID)
	if err != nil {
		return id.Nil, fmt.Errorf("stepflow/mongo: parse execution id %q: %w", m.ExecutionID, err)
	}
	return execID, nil
}

// SaveCheckpoint stores the latest snapshot of an execution. An older
// snapshot never replaces a newer one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *execution.Checkpoint) error {
	execID := cp.ExecutionID.String()
	n, err := s.col(colExecutions).CountDocuments(ctx, bson.D{{Key: "_id", Value: execID}})
	if err != nil {
		return fmt.Errorf("stepflow/mongo: check execution: %w", err)
	}
	if n == 0 {
		return stepflow.ErrExecutionNotFound
	}

	created := cp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	// The filter only matches an older snapshot. When a newer one exists
	// the upsert collides on _id, which is the no-op case.
	_, err = s.col(colCheckpoints).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: execID}, {Key: "seq", Value: bson.D{{Key: "$lt", Value: cp.Seq}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "seq", Value: cp.Seq},
			{Key: "state", Value: cp.State},
			{Key: "created_at", Value: created},
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !isDuplicateKey(err) {
		return fmt.Errorf("stepflow/mongo: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, execID id.ExecutionID) (*execution.Checkpoint, error) {
	var m checkpointModel
	err := s.col(colCheckpoints).FindOne(ctx, bson.D{{Key: "_id", Value: execID.String()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stepflow/mongo: latest checkpoint: %w", err)
	}
	return &execution.Checkpoint{
		ExecutionID: execID,
		Seq:         m.Seq,
		State:       m.State,
		CreatedAt:   m.CreatedAt.UTC(),
	}, nil
}
