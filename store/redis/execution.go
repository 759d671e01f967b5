package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
)

// CreateExecution persists a new execution and its first events.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution, events []*execution.Event) error {
	execID := exec.ID.String()
	head := exec.Clone()
	head.LastSeq = number(exec.ID, 0, events)
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("stepflow/redis: encode execution: %w", err)
	}

	created, err := s.client.SetNX(ctx, executionKey(execID), body, 0).Result()
	if err != nil {
		return fmt.Errorf("stepflow/redis: create execution: %w", err)
	}
	if !created {
		return stepflow.ErrExecutionAlreadyExists
	}
	if !head.IsChild() {
		claimed, err := s.client.HSetNX(ctx, executionNamesKey, nameKey(head), execID).Result()
		if err == nil && !claimed {
			err = stepflow.ErrExecutionAlreadyExists
		}
		if err != nil {
			s.client.Del(ctx, executionKey(execID))
			if errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
				return err
			}
			return fmt.Errorf("stepflow/redis: claim execution name: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, executionsKey, goredis.Z{Score: startScore(head), Member: execID})
		return queueEvents(ctx, pipe, head, events)
	})
	if err != nil {
		return fmt.Errorf("stepflow/redis: create execution: %w", err)
	}
	exec.LastSeq = head.LastSeq
	return nil
}

// AppendEvents appends a batch of events and replaces the head record.
// The head key is WATCHed, so a concurrent writer aborts the EXEC.
func (s *Store) AppendEvents(ctx context.Context, exec *execution.Execution, expectedSeq int64, events []*execution.Event) error {
	key := executionKey(exec.ID.String())
	head := exec.Clone()
	head.LastSeq = number(exec.ID, expectedSeq, events)
	body, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("stepflow/redis: encode execution: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return stepflow.ErrExecutionNotFound
			}
			return err
		}
		var current struct {
			LastSeq int64 `json:"last_seq"`
		}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode head: %w", err)
		}
		if current.LastSeq != expectedSeq {
			return stepflow.ErrConcurrentUpdate
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return queueEvents(ctx, pipe, head, events)
		})
		return err
	}, key)

	switch {
	case err == nil:
		exec.LastSeq = head.LastSeq
		return nil
	case errors.Is(err, goredis.TxFailedErr), errors.Is(err, stepflow.ErrConcurrentUpdate):
		return stepflow.ErrConcurrentUpdate
	case errors.Is(err, stepflow.ErrExecutionNotFound):
		return stepflow.ErrExecutionNotFound
	default:
		return fmt.Errorf("stepflow/redis: append events: %w", err)
	}
}

// queueEvents adds the event writes and index updates for head to pipe.
func queueEvents(ctx context.Context, pipe goredis.Pipeliner, head *execution.Execution, events []*execution.Event) error {
	execID := head.ID.String()
	if len(events) > 0 {
		bodies := make([]any, 0, len(events))
		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", ev.Seq, err)
			}
			bodies = append(bodies, b)
			if ev.Kind == execution.KindTaskScheduled && ev.Token != "" {
				pipe.HSet(ctx, tokensKey, ev.Token, execID)
			}
		}
		pipe.RPush(ctx, eventsKey(execID), bodies...)
	}
	if head.Status == execution.StatusRunning {
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: startScore(head), Member: execID})
	} else {
		pipe.ZRem(ctx, pendingKey, execID)
	}
	return nil
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

func nameKey(exec *execution.Execution) string {
	return exec.DefinitionName + "/" + exec.Name
}

// startScore orders executions by start time. Microseconds keep the score
// exact in a float64; ties fall back to member order, which is the ID.
func startScore(exec *execution.Execution) float64 {
	return float64(exec.StartedAt.UnixMicro())
}

// GetExecution retrieves the head record of an execution.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	raw, err := s.client.Get(ctx, executionKey(execID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, stepflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("stepflow/redis: get execution: %w", err)
	}
	return decodeExecution(raw)
}

// ListExecutions returns head records matching opts, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	filtered := opts.Status != "" || opts.DefinitionName != "" || !opts.ParentID.IsNil()

	start, stop := int64(0), int64(-1)
	if !filtered {
		start = int64(opts.Offset)
		if opts.Limit > 0 {
			stop = start + int64(opts.Limit) - 1
		}
	}
	ids, err := s.client.ZRevRange(ctx, executionsKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: list executions: %w", err)
	}
	execs, err := s.loadExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}
	if !filtered {
		return execs, nil
	}

	result := make([]*execution.Execution, 0, len(execs))
	for _, exec := range execs {
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		if opts.DefinitionName != "" && exec.DefinitionName != opts.DefinitionName {
			continue
		}
		if !opts.ParentID.IsNil() && exec.ParentID.String() != opts.ParentID.String() {
			continue
		}
		result = append(result, exec)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return result[:0], nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListPending returns every RUNNING execution, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*execution.Execution, error) {
	ids, err := s.client.ZRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: list pending: %w", err)
	}
	return s.loadExecutions(ctx, ids)
}

// loadExecutions fetches head records in the order of ids. Missing keys
// are skipped.
func (s *Store) loadExecutions(ctx context.Context, ids []string) ([]*execution.Execution, error) {
	result := make([]*execution.Execution, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	keys := make([]string, len(ids))
	for i, execID := range ids {
		keys[i] = executionKey(execID)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: load executions: %w", err)
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		exec, err := decodeExecution([]byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, nil
}

// ListEvents returns events with seq > afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, execID id.ExecutionID, afterSeq int64, limit int) ([]*execution.Event, error) {
	exists, err := s.client.Exists(ctx, executionKey(execID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: check execution: %w", err)
	}
	if exists == 0 {
		return nil, stepflow.ErrExecutionNotFound
	}

	// Event seq n lives at list index n-1.
	start, stop := afterSeq, int64(-1)
	if start < 0 {
		start = 0
	}
	if limit > 0 {
		stop = start + int64(limit) - 1
	}
	raws, err := s.client.LRange(ctx, eventsKey(execID.String()), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: list events: %w", err)
	}

	result := make([]*execution.Event, 0, len(raws))
	for _, raw := range raws {
		var ev execution.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("stepflow/redis: decode event: %w", err)
		}
		result = append(result, &ev)
	}
	return result, nil
}

// FindByToken returns the execution that scheduled a task token.
func (s *Store) FindByToken(ctx context.Context, token string) (id.ExecutionID, error) {
	raw, err := s.client.HGet(ctx, tokensKey, token).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return id.Nil, stepflow.ErrTokenNotFound
		}
		return id.Nil, fmt.Errorf("stepflow/redis: find token: %w", err)
	}
	execID, err := id.ParseExecutionID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("stepflow/redis: parse execution id %q: %w", raw, err)
	}
	return execID, nil
}

// SaveCheckpoint stores the latest snapshot of an execution. An older
// snapshot never replaces a newer one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *execution.Checkpoint) error {
	execID := cp.ExecutionID.String()
	key := checkpointKey(execID)
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("stepflow/redis: encode checkpoint: %w", err)
	}

	for range 3 {
		err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
			exists, err := tx.Exists(ctx, executionKey(execID)).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				return stepflow.ErrExecutionNotFound
			}
			prev, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, goredis.Nil):
			case err != nil:
				return err
			default:
				var current execution.Checkpoint
				if err := json.Unmarshal(prev, &current); err == nil && current.Seq >= cp.Seq {
					return nil
				}
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
	case errors.Is(err, stepflow.ErrExecutionNotFound):
		return stepflow.ErrExecutionNotFound
	default:
		return fmt.Errorf("stepflow/redis: save checkpoint: %w", err)
	}
}

// LatestCheckpoint returns the most recent checkpoint or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, execID id.ExecutionID) (*execution.Checkpoint, error) {
	raw, err := s.client.Get(ctx, checkpointKey(execID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("stepflow/redis: latest checkpoint: %w", err)
	}
	var cp execution.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("stepflow/redis: decode checkpoint: %w", err)
	}
	return &cp, nil
}

func decodeExecution(raw []byte) (*execution.Execution, error) {
	var exec execution.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("stepflow/redis: decode execution: %w", err)
	}
	return &exec, nil
}
