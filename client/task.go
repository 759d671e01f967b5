package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/stepflow/dwp"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/task"
	"github.com/xraph/stepflow/worker"
)

var (
	_ worker.Source    = (*Client)(nil)
	_ worker.Completer = (*Client)(nil)
)

// pollMargin leaves room for the server's reply inside the caller's
// deadline.
const pollMargin = 250 * time.Millisecond

// Poll long-polls the remote server for a task for any of handlers. It
// returns (nil, nil) when the wait expires or ctx ends with nothing to do.
func (c *Client) Poll(ctx context.Context, handlers []string, workerID string) (*task.Task, error) {
	wait := c.pollWait
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d) - pollMargin; left < wait {
			wait = left
		}
	}
	if wait <= 0 {
		return nil, nil
	}

	var resp dwp.TaskPollResponse
	err := c.call(ctx, dwp.MethodTaskPoll, dwp.TaskPollRequest{
		Handlers: handlers,
		WorkerID: workerID,
		WaitMs:   wait.Milliseconds(),
	}, &resp)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Task == nil {
		return nil, nil
	}
	return taskFromPayload(resp.Task)
}

func taskFromPayload(p *dwp.TaskPayload) (*task.Task, error) {
	execID, err := id.ParseExecutionID(p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/client: task execution id: %w", err)
	}
	return &task.Task{
		Token:       p.TaskToken,
		ExecutionID: execID,
		StateName:   p.State,
		Handler:     p.Handler,
		Input:       p.Input,
		Attempt:     p.Attempt,
		Deadline:    p.Deadline,
		ScheduledAt: time.Now().UTC(),
	}, nil
}

// SendTaskSuccess reports a task result.
func (c *Client) SendTaskSuccess(ctx context.Context, token string, output json.RawMessage) error {
	return c.call(ctx, dwp.MethodTaskSuccess, dwp.TaskSuccessRequest{Token: token, Output: output}, nil)
}

// SendTaskFailure reports a task failure with an error kind and cause.
func (c *Client) SendTaskFailure(ctx context.Context, token, kind, cause string) error {
	return c.call(ctx, dwp.MethodTaskFailure, dwp.TaskFailureRequest{Token: token, Error: kind, Cause: cause}, nil)
}
