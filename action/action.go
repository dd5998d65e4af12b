package action

import (
	"context"
	"errors"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
)

// Action is a capability the model can invoke by name.
//
// Implementations should:
//   - use stable snake_case names, they are what the model calls
//   - describe the expected input with a JSON schema
//   - be safe for concurrent use, a batch may run calls in parallel
type Action interface {
	// Name returns the unique identifier of this action.
	Name() string

	// Description is shown to the model.
	Description() string

	// InputSchema returns a JSON schema describing the accepted input.
	InputSchema() map[string]any

	// Execute runs the action with already decoded input.
	Execute(ctx context.Context, actx ActionContext, input map[string]any) (any, error)
}

// Manual is implemented by actions that declare whether they may run
// without human approval. Actions that do not implement it are automatic.
type Manual interface {
	Auto() bool
}

// IsAuto reports whether a runs without approval.
func IsAuto(a Action) bool {
	if m, ok := a.(Manual); ok {
		return m.Auto()
	}
	return true
}

// ActionContext carries the execution scope of a single call.
type ActionContext struct {
	ToolCallID  string
	ExecutionID string
	StepID      string
	ContextID   string
	// EventID is the reaction item the call belongs to.
	EventID string
	Context *core.Context
	Env     map[string]any
	Logger  logging.Logger
}

// NewError builds a *core.ActionExecutionError.
func NewError(action, code, message string) *core.ActionExecutionError {
	return &core.ActionExecutionError{Action: action, Code: code, Message: message}
}

// ErrorText returns the text recorded for a failed call. Action errors
// report their message without the code prefix.
func ErrorText(err error) string {
	var ae *core.ActionExecutionError
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
