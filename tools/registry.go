// Package tools implements the Tool Registry and Tool Orchestrator of
// spec.md §6/§4.K: a callback registry for client-defined functions,
// JSON-schema validation of model-supplied arguments before dispatch,
// and the three-phase state machine that drives an auto-tool streaming
// call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/types"
)

// Callback is the function a registered tool invokes to produce its
// result.
type Callback func(ctx context.Context, args map[string]any) (content any, isError bool, err error)

// Call is one model-emitted function call awaiting execution.
type Call struct {
	CallID string
	Name   string
	Args   map[string]any
}

// Result is what Registry.Execute returns per call (spec.md §6,
// "results carry {call_id, content, is_error?}").
type Result struct {
	CallID  string
	Content any
	IsError bool
}

type registeredTool struct {
	decl     types.FunctionDeclaration
	callback Callback
	schema   *jsonschema.Schema
}

// Registry holds the client's registered tool callbacks.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	// OnExecute, if set, is called once per executeOne call with the
	// tool's name, "success"/"error", and the callback's wall-clock
	// duration — the hook package gemini wires to
	// internal/telemetry.Metrics.RecordToolExecution.
	OnExecute func(toolName, status string, durationSeconds float64)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. decl.Parameters, if present, is compiled as a
// JSON Schema the moment the tool is registered so a malformed schema
// fails fast rather than on the first tool call.
func (r *Registry) Register(decl types.FunctionDeclaration, cb Callback) error {
	rt := &registeredTool{decl: decl, callback: cb}

	if len(decl.Parameters) > 0 {
		schema, err := compileParameterSchema(decl.Name, decl.Parameters)
		if err != nil {
			return apierror.New(apierror.KindInvalidRequest, fmt.Sprintf("invalid parameter schema for tool %q", decl.Name), err)
		}
		rt.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[decl.Name] = rt
	return nil
}

// Declarations returns every registered tool's FunctionDeclaration, for
// attaching to a GenerateContentRequest's Tools.
func (r *Registry) Declarations() []types.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.FunctionDeclaration, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.decl)
	}
	return out
}

// Execute validates and runs every call, in order, returning one Result
// per call. An argument validation failure produces an error Result
// rather than aborting the whole batch, so one bad call doesn't starve
// the others of their responses.
func (r *Registry) Execute(ctx context.Context, calls []Call) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.executeOne(ctx, call))
	}
	return results, nil
}

func (r *Registry) executeOne(ctx context.Context, call Call) Result {
	start := time.Now()
	result := r.runOne(ctx, call)
	if r.OnExecute != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		r.OnExecute(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

func (r *Registry) runOne(ctx context.Context, call Call) Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		return Result{CallID: call.CallID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	if tool.schema != nil {
		if err := validateArgs(tool.schema, call.Args); err != nil {
			return Result{CallID: call.CallID, Content: fmt.Sprintf("invalid arguments: %s", err), IsError: true}
		}
	}

	content, isError, err := tool.callback(ctx, call.Args)
	if err != nil {
		return Result{CallID: call.CallID, Content: err.Error(), IsError: true}
	}
	return Result{CallID: call.CallID, Content: content, IsError: isError}
}

func compileParameterSchema(name string, parameters map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".schema.json")
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
