package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/model"
)

func TestBuildMessages(t *testing.T) {
	req := model.Request{
		Instructions: "be nice",
		Messages: []core.ModelMessage{
			{Role: core.RoleUser, Content: []core.MessagePart{{Type: core.MessagePartText, Text: "weather?"}}},
			{Role: core.RoleAssistant, Content: []core.MessagePart{
				{Type: core.MessagePartToolCall, ToolCallID: "c1", ToolName: "get_weather", Input: map[string]any{"city": "Berlin"}},
			}},
			{Role: core.RoleTool, Content: []core.MessagePart{
				{Type: core.MessagePartToolResult, ToolCallID: "c1", Output: map[string]any{"temp": 21}},
			}},
		},
	}

	msgs := buildMessages(req)
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, `{"city":"Berlin"}`, msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
}

func TestFinalPartsOrderedByIndex(t *testing.T) {
	parts := finalParts("thinking", map[int64]*aggCall{
		1: {id: "c2", name: "b", args: `{"x":2}`},
		0: {id: "c1", name: "a", args: `{"x":1}`},
	})
	require.Len(t, parts, 3)
	assert.Equal(t, "thinking", parts[0].Text())
	assert.Equal(t, "tool-a", parts[1].Type())
	assert.Equal(t, "tool-b", parts[2].Type())
}

func TestBuildParamsModelOverride(t *testing.T) {
	m := NewModelFromClient(nil, func(o *Options) { o.Model = "gpt-test" })
	params := m.buildParams(model.Request{Model: "gpt-override", Tools: []model.ToolDefinition{model.NewToolDefinition("lookup", "find", nil)}}, nil)
	assert.Equal(t, "gpt-override", string(params.Model))
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "lookup", params.Tools[0].Function.Name)
	assert.Equal(t, "gpt-test", m.Info().Name)
}
