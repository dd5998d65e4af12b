package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/internal/util"
	"github.com/hupe1980/threadmesh/logging"
)

// FunctionFunc is the signature of a Go function exposed as an action.
type FunctionFunc func(ctx context.Context, actx ActionContext, input map[string]any) (any, error)

// FunctionOptions configure a Function.
type FunctionOptions struct {
	// Auto=false routes every call through the approval flow.
	Auto bool
}

// Function exposes a plain Go function as an Action.
//
// Input is validated against the schema before the function runs. Errors
// are normalized to *core.ActionExecutionError:
//
//	*core.ActionExecutionError  -> forwarded unchanged
//	validation failure          -> Code VALIDATION_ERROR
//	other error                 -> Code EXECUTION_ERROR
//
// A Function has no mutable state after construction and is safe for
// concurrent use.
type Function struct {
	name        string
	description string
	schema      map[string]any
	fn          FunctionFunc
	opts        FunctionOptions
}

var (
	_ Action = (*Function)(nil)
	_ Manual = (*Function)(nil)
)

// NewFunction constructs a Function from an explicit schema.
//
// Example:
//
//	sum := action.NewFunction(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, actx action.ActionContext, in map[string]any) (any, error) {
//	    return in["a"].(float64) + in["b"].(float64), nil
//	  },
//	)
func NewFunction(name, description string, schema map[string]any, fn FunctionFunc, optFns ...func(o *FunctionOptions)) *Function {
	opts := FunctionOptions{Auto: true}
	for _, f := range optFns {
		f(&opts)
	}
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &Function{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
		opts:        opts,
	}
}

// NewFunctionFromStruct derives the schema from a struct using reflection.
//
//	type SumInput struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
func NewFunctionFromStruct(name, description string, structType any, fn FunctionFunc, optFns ...func(o *FunctionOptions)) *Function {
	return NewFunction(name, description, util.CreateSchema(structType), fn, optFns...)
}

// RequireApproval is a FunctionOptions setter for manual actions.
func RequireApproval(o *FunctionOptions) { o.Auto = false }

func (f *Function) Name() string { return f.name }

func (f *Function) Description() string { return f.description }

func (f *Function) InputSchema() map[string]any { return f.schema }

// Auto implements Manual.
func (f *Function) Auto() bool { return f.opts.Auto }

// Execute validates input and invokes the wrapped function.
func (f *Function) Execute(ctx context.Context, actx ActionContext, input map[string]any) (any, error) {
	logger := logging.OrNoOp(actx.Logger)
	start := time.Now()

	logger.Debug("action.call.start", "action", f.name, "tool_call_id", actx.ToolCallID)

	if err := util.ValidateParameters(input, f.schema); err != nil {
		logger.Warn("action.call.validation_failed", "action", f.name, "error", err.Error())
		return nil, &core.ActionExecutionError{
			Action:     f.name,
			ToolCallID: actx.ToolCallID,
			Code:       core.ActionErrValidation,
			Message:    fmt.Sprintf("parameter validation failed: %v", err),
			Details:    err,
		}
	}

	result, err := f.fn(ctx, actx, input)
	if err != nil {
		var ae *core.ActionExecutionError
		if errors.As(err, &ae) {
			logger.Error("action.call.error", "action", f.name, "error", ae.Message)
			return nil, ae
		}
		logger.Error("action.call.error", "action", f.name, "error", err.Error())
		return nil, &core.ActionExecutionError{
			Action:     f.name,
			ToolCallID: actx.ToolCallID,
			Code:       core.ActionErrExecution,
			Message:    err.Error(),
		}
	}

	logger.Debug("action.call.success", "action", f.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
