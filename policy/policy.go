// Package policy evaluates action calls against a Rego policy and plugs into
// the action executor as an action.Gate.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/logging"
)

// Query is the rule every policy must define.
const Query = "data.thread_policy.decision"

// DefaultPolicy allows every call.
const DefaultPolicy = `
package thread_policy

default decision = "allow"
`

// Options configure an Engine.
type Options struct {
	Logger logging.Logger
}

// Engine is the OPA policy engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	logger logging.Logger
}

var _ action.Gate = (*Engine)(nil)

// NewEngine compiles policyContent. The module must be in package
// thread_policy and define decision as a string ("allow",
// "require_approval", "block") or an object {decision, reason}.
func NewEngine(ctx context.Context, policyContent string, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := rego.New(
		rego.Query(Query),
		rego.Module("thread_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, logger: logging.OrNoOp(opts.Logger)}, nil
}

// LoadFile compiles the policy stored at path.
func LoadFile(ctx context.Context, path string, optFns ...func(o *Options)) (*Engine, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content), optFns...)
}

// Decide implements action.Gate.
func (e *Engine) Decide(ctx context.Context, in action.GateInput) (action.Verdict, error) {
	input := map[string]any{
		"tool_name":    in.ActionName,
		"tool_call_id": in.ToolCallID,
		"args":         in.Args,
		"execution_id": in.ExecutionID,
		"context_id":   in.ContextID,
		"env":          in.Env,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return action.Verdict{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// A policy without a matching rule and without a default allows the call.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return action.Verdict{Decision: action.DecisionAllow, Reason: "default"}, nil
	}

	verdict, err := parseVerdict(results[0].Expressions[0].Value)
	if err != nil {
		return action.Verdict{}, err
	}

	e.logger.Debug("thread.policy.decision", "action", in.ActionName, "decision", string(verdict.Decision), "reason", verdict.Reason)

	return verdict, nil
}

func parseVerdict(val any) (action.Verdict, error) {
	var v action.Verdict
	switch t := val.(type) {
	case string:
		v.Decision = action.Decision(t)
	case map[string]any:
		d, _ := t["decision"].(string)
		r, _ := t["reason"].(string)
		v = action.Verdict{Decision: action.Decision(d), Reason: r}
	default:
		return v, fmt.Errorf("unexpected policy result type %T", val)
	}
	switch v.Decision {
	case action.DecisionAllow, action.DecisionRequireApproval, action.DecisionBlock:
		return v, nil
	}
	return v, fmt.Errorf("unknown policy decision %q", v.Decision)
}
