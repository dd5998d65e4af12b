package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
)

const testPolicy = `
package thread_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "dangerous_command"
}

decision = {"decision": "require_approval", "reason": "large transfer"} {
	input.tool_name == "payments_transfer"
	input.args.amount > 100
}
`

func TestEngine_Decide(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, testPolicy)
	require.NoError(t, err)

	v, err := e.Decide(ctx, action.GateInput{ActionName: "dangerous_command"})
	require.NoError(t, err)
	assert.Equal(t, action.DecisionBlock, v.Decision)

	v, err = e.Decide(ctx, action.GateInput{ActionName: "payments_transfer", Args: map[string]any{"amount": 500}})
	require.NoError(t, err)
	assert.Equal(t, action.Verdict{Decision: action.DecisionRequireApproval, Reason: "large transfer"}, v)

	v, err = e.Decide(ctx, action.GateInput{ActionName: "payments_transfer", Args: map[string]any{"amount": 5}})
	require.NoError(t, err)
	assert.Equal(t, action.DecisionAllow, v.Decision)
}

func TestEngine_DefaultPolicy(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	v, err := e.Decide(context.Background(), action.GateInput{ActionName: "anything"})
	require.NoError(t, err)
	assert.Equal(t, action.DecisionAllow, v.Decision)
}

func TestEngine_InvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package thread_policy\n\ndecision = {")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	e, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	v, err := e.Decide(context.Background(), action.GateInput{ActionName: "dangerous_command"})
	require.NoError(t, err)
	assert.Equal(t, action.DecisionBlock, v.Decision)

	_, err = LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}

func TestParseVerdict_Unknown(t *testing.T) {
	_, err := parseVerdict("maybe")
	assert.Error(t, err)
	_, err = parseVerdict(42)
	assert.Error(t, err)
}

func TestEngine_AsExecutorGate(t *testing.T) {
	e, err := NewEngine(context.Background(), testPolicy)
	require.NoError(t, err)

	noop := action.NewFunction("dangerous_command", "", nil, func(context.Context, action.ActionContext, map[string]any) (any, error) {
		return "ran", nil
	})
	ex := action.NewExecutor(func(o *action.ExecutorOptions) { o.Gate = e })
	res := ex.Execute(context.Background(), action.Batch{
		Actions: action.NewSet(noop),
		Calls:   []core.ToolCall{{ToolCallID: "c1", ToolName: "dangerous_command"}},
	})
	assert.Equal(t, "Tool execution blocked", res[0].ErrorText)
}
