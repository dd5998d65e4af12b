package action

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent calls within one batch. 0 or <1 means
	// no explicit limit (len(calls)).
	MaxParallel int
	// Gate is consulted before every call. Nil allows everything.
	Gate Gate
	// Approver answers reviews. Without one every review is denied.
	Approver Approver
	Logger   logging.Logger
}

// Executor runs a batch of tool calls against an action Set.
//
// Guarantees:
//   - exactly one result per call, in call order
//   - a failing, panicking, blocked or unknown call never affects the others
//   - ctx cancellation turns calls not yet started into error results
type Executor struct {
	opts ExecutorOptions
}

// NewExecutor constructs an executor.
func NewExecutor(optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Executor{opts: opts}
}

// Batch is one iteration's worth of calls.
type Batch struct {
	Actions Set
	Calls   []core.ToolCall
	// Scope is copied into every call's ActionContext; ToolCallID is set per call.
	Scope ActionContext
	// OnReview, when set, observes every review request before the approver runs.
	OnReview func(ctx context.Context, r Review)
}

// Execute runs the batch and returns the results in call order.
func (e *Executor) Execute(ctx context.Context, b Batch) []core.ToolExecutionResult {
	n := len(b.Calls)
	if n == 0 {
		return []core.ToolExecutionResult{}
	}

	results := make([]core.ToolExecutionResult, n)

	// Fast path: single call, execute inline.
	if n == 1 {
		results[0] = e.executeOne(ctx, b, b.Calls[0])
		return results
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)
	batchStart := time.Now()

	for i := range b.Calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.executeOne(ctx, b, call)
		}(i, b.Calls[i])
	}
	wg.Wait()

	e.opts.Logger.Debug(
		"thread.actions.batch.complete",
		"execution_id", b.Scope.ExecutionID,
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results
}

func (e *Executor) executeOne(ctx context.Context, b Batch, call core.ToolCall) core.ToolExecutionResult {
	res := core.ToolExecutionResult{ToolCallID: call.ToolCallID, ToolName: call.ToolName}
	fail := func(text string) core.ToolExecutionResult {
		res.Success = false
		res.ErrorText = text
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err.Error())
	}

	act, ok := b.Actions.Get(call.ToolName)
	if !ok {
		return fail(fmt.Sprintf("action %q not found", call.ToolName))
	}

	input, err := decodeInput(call.Input)
	if err != nil {
		return fail(fmt.Sprintf("invalid input for %s: %v", call.ToolName, err))
	}

	actx := b.Scope
	actx.ToolCallID = call.ToolCallID
	if actx.Logger == nil {
		actx.Logger = e.opts.Logger
	}

	needsApproval := !IsAuto(act)
	reason := ""
	if e.opts.Gate != nil {
		verdict, err := e.opts.Gate.Decide(ctx, GateInput{
			ActionName:  call.ToolName,
			ToolCallID:  call.ToolCallID,
			Args:        input,
			ExecutionID: actx.ExecutionID,
			ContextID:   actx.ContextID,
			Env:         actx.Env,
		})
		if err != nil {
			e.opts.Logger.Error("thread.action.gate_failed", "action", call.ToolName, "error", err.Error())
			return fail(fmt.Sprintf("policy evaluation failed: %v", err))
		}
		switch verdict.Decision {
		case DecisionBlock:
			e.opts.Logger.Warn("thread.action.blocked", "action", call.ToolName, "reason", verdict.Reason)
			return fail(blockedText(verdict.Reason))
		case DecisionRequireApproval:
			needsApproval = true
			reason = verdict.Reason
		}
	}

	if needsApproval {
		review := Review{
			ExecutionID: actx.ExecutionID,
			StepID:      actx.StepID,
			ContextID:   actx.ContextID,
			ToolCallID:  call.ToolCallID,
			ActionName:  call.ToolName,
			Input:       input,
			Reason:      reason,
		}
		if b.OnReview != nil {
			b.OnReview(ctx, review)
		}
		approval := Approval{}
		if e.opts.Approver != nil {
			approval, err = e.opts.Approver.Approve(ctx, review)
			if err != nil {
				e.opts.Logger.Error("thread.action.approval_failed", "action", call.ToolName, "error", err.Error())
				approval = Approval{}
			}
		}
		if !approval.Approved {
			return fail(notApprovedText(approval.Comment))
		}
		if approval.Args != nil {
			input = approval.Args
		}
	}

	start := time.Now()
	var output any
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				err = panicError(call.ToolName, r)
				e.opts.Logger.Error("thread.action.panic", "action", call.ToolName, "recover", r)
			}
		}()
		output, err = act.Execute(ctx, actx, input)
	}()

	e.opts.Logger.Info(
		"thread.action.executed",
		"action", call.ToolName,
		"tool_call_id", call.ToolCallID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		return fail(ErrorText(err))
	}
	res.Success = true
	res.Output = output
	return res
}

// decodeInput accepts a decoded object, a JSON string or nil.
func decodeInput(in any) (map[string]any, error) {
	switch v := in.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// panicError converts a recovered panic value to an action error.
func panicError(action string, r any) error {
	return &core.ActionExecutionError{
		Action:  action,
		Code:    core.ActionErrPanic,
		Message: fmt.Sprintf("action %s panicked: %v", action, r),
		Details: string(debug.Stack()),
	}
}
