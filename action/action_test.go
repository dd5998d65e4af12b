package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
)

func sumAction() *Function {
	return NewFunction(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, _ ActionContext, in map[string]any) (any, error) {
			return in["a"].(float64) + in["b"].(float64), nil
		},
	)
}

func TestFunction_Success(t *testing.T) {
	out, err := sumAction().Execute(context.Background(), ActionContext{ToolCallID: "c1"}, map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)
}

func TestFunction_ValidationError(t *testing.T) {
	_, err := sumAction().Execute(context.Background(), ActionContext{}, map[string]any{"a": 1.0})
	var ae *core.ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, core.ActionErrValidation, ae.Code)
	assert.Equal(t, "calculate_sum", ae.Action)
}

func TestFunction_ExecutionError(t *testing.T) {
	f := NewFunction("fail", "always fails", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := f.Execute(context.Background(), ActionContext{}, map[string]any{})
	var ae *core.ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, core.ActionErrExecution, ae.Code)
	assert.Equal(t, "boom", ErrorText(err))
}

func TestFunction_ForwardsActionError(t *testing.T) {
	custom := NewError("fail", "CUSTOM", "custom failure")
	f := NewFunction("fail", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		return nil, custom
	})
	_, err := f.Execute(context.Background(), ActionContext{}, nil)
	assert.Same(t, custom, err)
}

func TestFunctionFromStruct(t *testing.T) {
	type lookupInput struct {
		Query string `json:"query" description:"search text"`
	}
	f := NewFunctionFromStruct("lookup", "find", lookupInput{}, func(context.Context, ActionContext, map[string]any) (any, error) {
		return "ok", nil
	}, RequireApproval)
	assert.False(t, f.Auto())
	assert.Equal(t, []string{"query"}, f.InputSchema()["required"])
}

func TestSet(t *testing.T) {
	manual := NewFunction("b_manual", "", nil, nil, RequireApproval)
	s := NewSet(sumAction(), manual, nil)

	assert.Equal(t, []string{"b_manual", "calculate_sum"}, s.Names())
	tools := s.ModelTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "b_manual", tools[0].Function.Name)
	assert.Equal(t, "calculate_sum", tools[1].Function.Name)

	assert.True(t, s.RequiresApproval("b_manual"))
	assert.False(t, s.RequiresApproval("calculate_sum"))
	assert.False(t, s.RequiresApproval("missing"))
	assert.Nil(t, Set{}.ModelTools())
}

func TestIsAuto_DefaultsToTrue(t *testing.T) {
	var a Action = plainAction{}
	assert.True(t, IsAuto(a))
}

type plainAction struct{}

func (plainAction) Name() string                { return "plain" }
func (plainAction) Description() string         { return "" }
func (plainAction) InputSchema() map[string]any { return nil }
func (plainAction) Execute(context.Context, ActionContext, map[string]any) (any, error) {
	return nil, nil
}
