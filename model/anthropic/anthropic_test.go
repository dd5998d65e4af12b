package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/model"
)

func TestBuildMessages_ToolResultsBecomeUserMessages(t *testing.T) {
	history := []core.ModelMessage{
		{Role: core.RoleSystem, Content: []core.MessagePart{{Type: core.MessagePartText, Text: "be nice"}}},
		{Role: core.RoleUser, Content: []core.MessagePart{{Type: core.MessagePartText, Text: "weather?"}}},
		{Role: core.RoleAssistant, Content: []core.MessagePart{
			{Type: core.MessagePartToolCall, ToolCallID: "c1", ToolName: "get_weather", Input: map[string]any{"city": "Berlin"}},
		}},
		{Role: core.RoleTool, Content: []core.MessagePart{
			{Type: core.MessagePartToolResult, ToolCallID: "c1", ToolName: "get_weather", Output: map[string]any{"temp": 21}},
		}},
	}

	msgs := buildMessages(history)
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.NotNil(t, msgs[1].Content[0].OfToolUse)
	assert.Equal(t, "c1", msgs[1].Content[0].OfToolUse.ID)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.NotNil(t, msgs[2].Content[0].OfToolResult)
	assert.Equal(t, "c1", msgs[2].Content[0].OfToolResult.ToolUseID)
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks(model.Request{
		Instructions: "You are helpful.",
		Messages:     []core.ModelMessage{{Role: core.RoleSystem, Content: []core.MessagePart{{Type: core.MessagePartText, Text: "Context: x"}}}},
	})
	require.Len(t, blocks, 2)
	assert.Equal(t, "You are helpful.", blocks[0].Text)
	assert.Equal(t, "Context: x", blocks[1].Text)
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]model.ToolDefinition{model.NewToolDefinition("lookup", "find", map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
		"required":   []any{"q"},
	})})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "lookup", tools[0].OfTool.Name)
	assert.Equal(t, []string{"q"}, tools[0].OfTool.InputSchema.Required)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "tool_calls", mapStopReason(anthropic.StopReasonToolUse))
	assert.Equal(t, "length", mapStopReason(anthropic.StopReasonMaxTokens))
	assert.Equal(t, "stop", mapStopReason(anthropic.StopReasonEndTurn))
}

func TestInfo(t *testing.T) {
	m := NewModelFromClient(nil, func(o *Options) { o.Model = "claude-test" })
	assert.Equal(t, model.Info{Name: "claude-test", Provider: "anthropic", SupportsTools: true}, m.Info())
}
