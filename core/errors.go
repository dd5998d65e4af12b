package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is wrapped by every *StateTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPartKeyInvariant is wrapped by every *PartKeyError.
	ErrPartKeyInvariant = errors.New("part key invariant violated")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidIdentifier reports an identifier carrying neither or both of id and key.
	ErrInvalidIdentifier = errors.New("identifier must carry exactly one of id or key")
	// ErrScriptExhausted is returned by a scripted reactor called more often than it has steps.
	ErrScriptExhausted = errors.New("scripted reactor exhausted")
)

// StateTransitionError reports an attempted status change that the
// transition table does not contain.
type StateTransitionError struct {
	Entity EntityKind `json:"entity"`
	From   string     `json:"from"`
	To     string     `json:"to"`
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s.status transition: %s -> %s", e.Entity, e.From, e.To)
}

// Unwrap exposes ErrInvalidTransition to errors.Is.
func (e *StateTransitionError) Unwrap() error { return ErrInvalidTransition }

// PartKeyError reports a part constructed with a key that does not match
// its step id and index.
type PartKeyError struct {
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

func (e *PartKeyError) Error() string {
	return fmt.Sprintf("invalid part key: expected %q got %q", e.Expected, e.Got)
}

// Unwrap exposes ErrPartKeyInvariant to errors.Is.
func (e *PartKeyError) Unwrap() error { return ErrPartKeyInvariant }

// StoreError wraps any persistence failure with the operation that raised it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err unless it is nil or already a *StoreError.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ReactorError wraps a failure raised by a reactor or a malformed reaction.
type ReactorError struct {
	Reactor string
	Err     error
}

func (e *ReactorError) Error() string {
	if e.Reactor == "" {
		return fmt.Sprintf("reactor: %v", e.Err)
	}
	return fmt.Sprintf("reactor %s: %v", e.Reactor, e.Err)
}

func (e *ReactorError) Unwrap() error { return e.Err }

// Action error codes.
const (
	ActionErrValidation  = "VALIDATION_ERROR"
	ActionErrExecution   = "EXECUTION_ERROR"
	ActionErrNotFound    = "NOT_FOUND"
	ActionErrNotApproved = "NOT_APPROVED"
	ActionErrBlocked     = "BLOCKED"
	ActionErrPanic       = "PANIC"
)

// ActionExecutionError is the per-call failure of a single action. It is
// recorded on the step and surfaced to the model, never raised out of the loop.
type ActionExecutionError struct {
	Action     string `json:"action"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *ActionExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("action error [%s] in %s: %s", e.Code, e.Action, e.Message)
	}
	return fmt.Sprintf("action error in %s: %s", e.Action, e.Message)
}

// ErrorText returns the message recorded on a failed step. Reactor failures
// report the reactor's own message without the wrapping prefix.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	var re *ReactorError
	if errors.As(err, &re) && re.Err != nil {
		return re.Err.Error()
	}
	return err.Error()
}
