package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/stepflow/dwp"
	"github.com/xraph/stepflow/engine"
	"github.com/xraph/stepflow/execution"
)

// StartOption configures a StartExecution request.
type StartOption func(*dwp.ExecutionStartRequest)

// WithName sets the execution name. Names are unique per definition.
func WithName(name string) StartOption {
	return func(r *dwp.ExecutionStartRequest) { r.Name = name }
}

// WithVersion pins the definition version. Zero selects the latest.
func WithVersion(version int) StartOption {
	return func(r *dwp.ExecutionStartRequest) { r.Version = version }
}

// StartExecution starts an execution of definition on the remote server.
// input is marshaled to JSON unless it already is a json.RawMessage; nil
// input starts with an empty object.
func (c *Client) StartExecution(ctx context.Context, definition string, input any, opts ...StartOption) (*execution.Execution, error) {
	req := dwp.ExecutionStartRequest{Definition: definition}
	switch v := input.(type) {
	case nil:
	case json.RawMessage:
		req.Input = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		req.Input = raw
	}
	for _, opt := range opts {
		opt(&req)
	}

	var exec execution.Execution
	if err := c.call(ctx, dwp.MethodExecutionStart, req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// DescribeExecution returns an execution's head record and latest events.
func (c *Client) DescribeExecution(ctx context.Context, executionID string) (*engine.Description, error) {
	var desc engine.Description
	if err := c.call(ctx, dwp.MethodExecutionDescribe, dwp.ExecutionRequest{ExecutionID: executionID}, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// StopExecution stops a running execution with cause.
func (c *Client) StopExecution(ctx context.Context, executionID, cause string) error {
	return c.call(ctx, dwp.MethodExecutionStop, dwp.ExecutionStopRequest{
		ExecutionID: executionID,
		Cause:       cause,
	}, nil)
}

// History returns up to limit events with a sequence number above after.
func (c *Client) History(ctx context.Context, executionID string, after int64, limit int) ([]*execution.Event, error) {
	var events []*execution.Event
	err := c.call(ctx, dwp.MethodExecutionHistory, dwp.ExecutionHistoryRequest{
		ExecutionID: executionID,
		After:       after,
		Limit:       limit,
	}, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}
