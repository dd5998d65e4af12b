package action

import (
	"context"
)

// Decision is a gate verdict for one call.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// GateInput is what a Gate sees for one call.
type GateInput struct {
	ActionName  string         `json:"tool_name"`
	ToolCallID  string         `json:"tool_call_id"`
	Args        map[string]any `json:"args"`
	ExecutionID string         `json:"execution_id"`
	ContextID   string         `json:"context_id"`
	Env         map[string]any `json:"env,omitempty"`
}

// Verdict is the outcome of a gate evaluation.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Gate decides whether a call may run, needs approval or is blocked.
type Gate interface {
	Decide(ctx context.Context, in GateInput) (Verdict, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, in GateInput) (Verdict, error)

// Decide implements Gate.
func (f GateFunc) Decide(ctx context.Context, in GateInput) (Verdict, error) { return f(ctx, in) }

// Review is an approval request for one call.
type Review struct {
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	ContextID   string         `json:"contextId"`
	ToolCallID  string         `json:"toolCallId"`
	ActionName  string         `json:"toolName"`
	Input       map[string]any `json:"input"`
	Reason      string         `json:"reason,omitempty"`
}

// Approval answers a Review. Args, when set, replace the call input.
type Approval struct {
	Approved bool           `json:"approved"`
	Comment  string         `json:"comment,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// Approver resolves reviews. It may block until a human answers.
type Approver interface {
	Approve(ctx context.Context, r Review) (Approval, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, r Review) (Approval, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, r Review) (Approval, error) { return f(ctx, r) }

// AutoApprove approves every review unchanged.
var AutoApprove Approver = ApproverFunc(func(context.Context, Review) (Approval, error) {
	return Approval{Approved: true}, nil
})

func notApprovedText(comment string) string {
	if comment != "" {
		return "Tool execution not approved: " + comment
	}
	return "Tool execution not approved"
}

func blockedText(reason string) string {
	if reason != "" {
		return "Tool execution blocked: " + reason
	}
	return "Tool execution blocked"
}
