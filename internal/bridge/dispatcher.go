package bridge

import (
	"context"
	"errors"

	"carecall/internal/metrics"
	"carecall/internal/tools"
	"carecall/internal/voice"
	"carecall/pkg/logger"
)

const dispatchQueueSize = 16

var ErrDispatchQueueFull = errors.New("bridge: tool queue full")

// Invoker runs one tool call against the tool endpoints.
type Invoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) (string, error)
}

type toolResult struct {
	call     voice.ToolCall
	output   string
	endsCall bool
	err      error
}

// Dispatcher runs a session's tool calls one at a time in request order.
// Results come out of Results in the same order.
type Dispatcher struct {
	invoker Invoker
	base    tools.Invocation

	queue   chan voice.ToolCall
	results chan toolResult
}

func NewDispatcher(invoker Invoker, callSessionID, accountID, lineID string) *Dispatcher {
	return &Dispatcher{
		invoker: invoker,
		base: tools.Invocation{
			CallSessionID: callSessionID,
			AccountID:     accountID,
			LineID:        lineID,
		},
		queue:   make(chan voice.ToolCall, dispatchQueueSize),
		results: make(chan toolResult, dispatchQueueSize),
	}
}

func (d *Dispatcher) Submit(call voice.ToolCall) error {
	select {
	case d.queue <- call:
		return nil
	default:
		return ErrDispatchQueueFull
	}
}

func (d *Dispatcher) Results() <-chan toolResult { return d.results }

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-d.queue:
			res := d.invoke(ctx, call)
			select {
			case d.results <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, call voice.ToolCall) toolResult {
	res := toolResult{call: call}
	tool, ok := tools.Lookup(call.Name)
	if !ok {
		res.err = tools.ErrUnknownTool
		res.output = tools.ErrorOutput(res.err)
		metrics.IncToolCall(call.Name, "unknown")
		return res
	}

	inv := d.base
	inv.CallID = call.CallID
	inv.Name = call.Name
	inv.Arguments = call.Arguments

	var out string
	err := tools.ErrNotConfigured
	if d.invoker != nil {
		out, err = d.invoker.Invoke(ctx, inv)
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.From(ctx).Warn("tool call failed", "tool", call.Name, "err", err)
		}
		res.err = err
		res.output = tools.ErrorOutput(err)
		metrics.IncToolCall(call.Name, "error")
		return res
	}
	res.output = out
	res.endsCall = tool.EndsCall
	metrics.IncToolCall(call.Name, "ok")
	return res
}
