package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/retry"
)

// branch describes one child execution to create for a Parallel state.
type branch struct {
	parent *execution.Execution
	state  string
	index  int
	id     id.ExecutionID
	input  json.RawMessage
}

// fork starts one child execution per branch and parks on them. The child
// IDs are recorded before any child exists, so a crash between the append
// and the creation is repaired by join.
func (tx *txn) fork(st *definition.State) error {
	children := make([]id.ExecutionID, len(st.Branches))
	for i := range children {
		children[i] = id.NewExecutionID()
	}
	parent := tx.exec.Clone()
	err := tx.emit(execution.Event{
		Kind:     execution.KindParallelStarted,
		State:    tx.exec.CurrentState,
		Children: children,
	})
	if err != nil {
		return err
	}

	branches := make([]branch, len(children))
	for i, childID := range children {
		branches[i] = branch{parent: parent, state: parent.CurrentState, index: i, id: childID, input: parent.Data}
	}
	tx.after(func(ctx context.Context) { tx.e.spawn(ctx, tx.root, branches) })
	return nil
}

// spawn creates branch children concurrently.
func (e *Engine) spawn(ctx context.Context, root *definition.Definition, branches []branch) {
	var g errgroup.Group
	for _, b := range branches {
		g.Go(func() error { return e.createChild(ctx, root, b) })
	}
	if err := g.Wait(); err != nil {
		// The parent re-creates missing children on its next join.
		e.logger.Error("create branch failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) createChild(ctx context.Context, root *definition.Definition, b branch) error {
	path := definition.BranchPath(b.parent.BranchPath, b.state, b.index)
	graph, err := root.Branch(path)
	if err != nil {
		return err
	}

	child := &execution.Execution{
		ID:                b.id,
		Name:              fmt.Sprintf("%s/%s/%d", b.parent.Name, b.state, b.index),
		DefinitionName:    b.parent.DefinitionName,
		DefinitionVersion: b.parent.DefinitionVersion,
		ParentID:          b.parent.ID,
		BranchIndex:       b.index,
		BranchPath:        path,
		Input:             b.input,
		StartedAt:         e.now().UTC(),
	}
	err = e.create(ctx, child, graph.StartAt)
	if errors.Is(err, stepflow.ErrExecutionAlreadyExists) {
		return nil
	}
	return err
}

// join records finished branches. The first failed branch stops its
// running siblings and fails the state; when every branch has succeeded
// the outputs are collected in branch order.
func (tx *txn) join(st *definition.State) error {
	exec := tx.exec
	state := exec.CurrentState
	children := slices.Clone(exec.Children)

	for i, childID := range children {
		if exec.BranchesClosed[i] {
			continue
		}
		child, err := tx.e.store.GetExecution(tx.ctx, childID)
		if errors.Is(err, stepflow.ErrExecutionNotFound) {
			b := branch{parent: exec.Clone(), state: state, index: i, id: childID, input: exec.Data}
			tx.after(func(ctx context.Context) { tx.e.spawn(ctx, tx.root, []branch{b}) })
			continue
		}
		if err != nil {
			return &stepflow.StoreError{Op: "get branch", Err: err}
		}

		switch child.Status {
		case execution.StatusSucceeded:
			err = tx.emit(execution.Event{
				Kind:        execution.KindBranchSucceeded,
				State:       state,
				BranchIndex: i,
				Data:        child.Output,
			})
			if err != nil {
				return err
			}
		case execution.StatusFailed, execution.StatusStopped:
			open := tx.openBranches(i)
			err = tx.emit(execution.Event{
				Kind:        execution.KindBranchFailed,
				State:       state,
				BranchIndex: i,
				Error:       child.Error,
				Cause:       child.Cause,
			})
			if err != nil {
				return err
			}
			return tx.branchFailed(st, open, child.Error, child.Cause)
		}
	}

	if slices.Contains(exec.BranchesClosed, false) {
		return nil
	}

	output, err := joinOutputs(exec.BranchOutputs)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", state, err))
	}
	data, err := definition.ApplyResultPath(exec.Data, output, st.ResultPath)
	if err != nil {
		return tx.failMachine(fmt.Sprintf("state %q: %v", state, err))
	}
	if err := tx.exit(data); err != nil {
		return err
	}
	if err := tx.transition(st, data); err != nil {
		return err
	}
	return tx.run()
}

// openBranches returns the still-running children other than skip.
func (tx *txn) openBranches(skip int) []id.ExecutionID {
	var open []id.ExecutionID
	for i, childID := range tx.exec.Children {
		if i != skip && !tx.exec.BranchesClosed[i] {
			open = append(open, childID)
		}
	}
	return open
}

func (tx *txn) branchFailed(st *definition.State, siblings []id.ExecutionID, kind, cause string) error {
	if len(siblings) > 0 {
		tx.after(func(ctx context.Context) {
			for _, sib := range siblings {
				if err := tx.e.StopExecution(ctx, sib, "sibling branch failed"); err != nil {
					tx.e.logger.Warn("stop branch failed",
						slog.String("execution_id", sib.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}
	if kind == "" {
		kind = stepflow.ErrorKindTaskFailed
	}
	action := retry.NextAction(retry.Policies{Catch: st.Catch}, 0, kind)
	return tx.catchOrFail(action, kind, cause)
}

// joinOutputs builds the JSON array of branch outputs.
func joinOutputs(outputs []json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, out := range outputs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(out) == 0 {
			buf.WriteString("null")
			continue
		}
		if !json.Valid(out) {
			return nil, fmt.Errorf("branch %d produced invalid JSON", i)
		}
		buf.Write(out)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
