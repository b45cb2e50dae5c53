package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/sse"
	"github.com/nshkrdotcom/gemini-go/types"
)

// Phase is the orchestrator's current state (spec.md §4.K).
type Phase int

const (
	PhaseAwaitingModelCall Phase = iota
	PhaseExecutingTools
	PhaseAwaitingFinalResponse
)

// StreamOpener opens a new SSE stream against the given contents and
// returns the runner driving it. The orchestrator owns exactly one
// runner at a time.
type StreamOpener func(ctx context.Context, contents []types.Content) *sse.Runner

// AppendModelTurn and AppendToolTurn let the orchestrator mutate the
// caller's Chat without this package importing package chat (which
// would create an import cycle, since chat needs no dependency on
// tools). The orchestrator calls back into the owning Chat through
// these hooks instead.
type AppendModelTurn func(calls []types.FunctionCall)
type AppendToolTurn func(results []Result)

// Orchestrator drives one auto-tool streaming call end to end.
type Orchestrator struct {
	Registry        *Registry
	Open            StreamOpener
	AppendModelTurn AppendModelTurn
	AppendToolTurn  AppendToolTurn
	TurnsRemaining  int

	Out chan sse.Event

	phase atomic.Int32
}

// NewOrchestrator builds an Orchestrator with the given turn budget.
func NewOrchestrator(registry *Registry, open StreamOpener, appendModel AppendModelTurn, appendTool AppendToolTurn, turnsRemaining int) *Orchestrator {
	return &Orchestrator{
		Registry:        registry,
		Open:            open,
		AppendModelTurn: appendModel,
		AppendToolTurn:  appendTool,
		TurnsRemaining:  turnsRemaining,
		Out:             make(chan sse.Event, 32),
	}
}

func (o *Orchestrator) Phase() Phase { return Phase(o.phase.Load()) }

// Run drives the orchestrator to completion against the initial
// contents, closing Out when done.
func (o *Orchestrator) Run(ctx context.Context, contents []types.Content) {
	defer close(o.Out)
	o.phase.Store(int32(PhaseAwaitingModelCall))

	runner := o.Open(ctx, contents)
	buffered, calls, err := o.drainUntilCallOrComplete(ctx, runner)
	if err != nil {
		o.Out <- sse.Event{Kind: sse.EventError, Err: err}
		return
	}

	if len(calls) == 0 {
		o.flush(ctx, buffered)
		o.Out <- sse.Event{Kind: sse.EventComplete}
		return
	}

	o.AppendModelTurn(calls)

	for {
		o.phase.Store(int32(PhaseExecutingTools))
		if o.TurnsRemaining <= 0 {
			o.Out <- sse.Event{Kind: sse.EventError, Err: apierror.New(apierror.KindTurnLimitExceeded, "turn_limit_exceeded", nil)}
			return
		}
		o.TurnsRemaining--

		toolCalls := make([]Call, 0, len(calls))
		for _, c := range calls {
			toolCalls = append(toolCalls, Call{CallID: callID(c), Name: c.Name, Args: c.Args})
		}

		results, err := o.Registry.Execute(ctx, toolCalls)
		if err != nil {
			o.Out <- sse.Event{Kind: sse.EventError, Err: err}
			return
		}
		o.AppendToolTurn(results)

		o.phase.Store(int32(PhaseAwaitingFinalResponse))
		runner = o.Open(ctx, contents)

		_, nextCalls, err := o.forwardAndWatchForCalls(ctx, runner)
		if err != nil {
			o.Out <- sse.Event{Kind: sse.EventError, Err: err}
			return
		}

		if len(nextCalls) == 0 {
			return
		}
		calls = nextCalls
		o.AppendModelTurn(calls)
	}
}

// drainUntilCallOrComplete buffers events without forwarding them
// (phase awaiting_model_call), scanning each decoded event for a
// functionCall part, per spec.md §4.K.
func (o *Orchestrator) drainUntilCallOrComplete(ctx context.Context, runner *sse.Runner) ([]sse.Event, []types.FunctionCall, error) {
	var buffered []sse.Event
	for {
		select {
		case <-ctx.Done():
			return buffered, nil, ctx.Err()
		case ev, ok := <-runner.Out:
			if !ok {
				return buffered, nil, nil
			}
			switch ev.Kind {
			case sse.EventError:
				return buffered, nil, ev.Err
			case sse.EventComplete:
				return buffered, nil, nil
			case sse.EventData:
				buffered = append(buffered, ev)
				if calls := extractFunctionCalls(ev.Data); len(calls) > 0 {
					return buffered, calls, nil
				}
			}
		}
	}
}

// forwardAndWatchForCalls forwards every event from stream #2
// immediately (phase awaiting_final_response) while still watching for
// embedded function calls that would trigger another tool round-trip
// (spec.md §4.K: "the orchestrator may re-enter phase 2 up to
// turns_remaining times").
func (o *Orchestrator) forwardAndWatchForCalls(ctx context.Context, runner *sse.Runner) (int, []types.FunctionCall, error) {
	forwarded := 0
	var pendingCalls []types.FunctionCall

	for {
		select {
		case <-ctx.Done():
			return forwarded, nil, ctx.Err()
		case ev, ok := <-runner.Out:
			if !ok {
				return forwarded, pendingCalls, nil
			}
			switch ev.Kind {
			case sse.EventError:
				o.Out <- ev
				return forwarded, nil, ev.Err
			case sse.EventComplete:
				if len(pendingCalls) > 0 {
					return forwarded, pendingCalls, nil
				}
				o.Out <- ev
				return forwarded, nil, nil
			case sse.EventData:
				if calls := extractFunctionCalls(ev.Data); len(calls) > 0 {
					pendingCalls = calls
				}
				o.Out <- ev
				forwarded++
			}
		}
	}
}

func (o *Orchestrator) flush(ctx context.Context, events []sse.Event) {
	for _, ev := range events {
		select {
		case o.Out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func callID(c types.FunctionCall) string {
	if c.ID != "" {
		return c.ID
	}
	return c.Name
}

func extractFunctionCalls(data json.RawMessage) []types.FunctionCall {
	var resp types.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}
	return resp.FunctionCalls()
}
