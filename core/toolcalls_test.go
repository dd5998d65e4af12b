package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolCalls(t *testing.T) {
	parts := []Part{
		NewTextPart("thinking"),
		{"type": "tool-web-search", "toolCallId": "c1", "input": map[string]any{"q": "go"}},
		{"type": "tool-"},
		{"type": 42},
		nil,
		NewToolPart("sum", "c2", map[string]any{"a": 1.0}),
	}

	calls := ExtractToolCalls(parts)
	require.Len(t, calls, 2)
	assert.Equal(t, "web-search", calls[0].ToolName)
	assert.Equal(t, "c1", calls[0].ToolCallID)
	assert.Equal(t, map[string]any{"q": "go"}, calls[0].Input)
	assert.Equal(t, "sum", calls[1].ToolName)
}

func TestExtractToolCalls_Empty(t *testing.T) {
	assert.Empty(t, ExtractToolCalls(nil))
	assert.NotNil(t, ExtractToolCalls(nil))
}

func TestApplyToolExecutionResult(t *testing.T) {
	parts := []Part{
		NewToolPart("sum", "c1", nil),
		NewToolPart("sum", "c2", nil),
	}

	ok := ApplyToolExecutionResult(parts, ToolExecutionResult{ToolCallID: "c1", ToolName: "sum", Success: true, Output: 3})
	assert.Equal(t, ToolStateOutputAvailable, ok[0]["state"])
	assert.Equal(t, 3, ok[0]["output"])
	assert.Equal(t, ToolStateInputAvailable, ok[1]["state"])
	assert.Equal(t, ToolStateInputAvailable, parts[0]["state"], "input must not be mutated")

	failed := ApplyToolExecutionResult(ok, ToolExecutionResult{ToolCallID: "c2", ToolName: "sum"})
	assert.Equal(t, ToolStateOutputError, failed[1]["state"])
	assert.Equal(t, "Error", failed[1]["errorText"])
}

func TestDidToolExecute(t *testing.T) {
	item := Item{Content: ItemContent{Parts: []Part{NewToolPart("sum", "c1", nil)}}}
	assert.False(t, DidToolExecute(item, "sum"))

	item.Content.Parts = ApplyToolExecutionResult(item.Content.Parts, ToolExecutionResult{ToolCallID: "c1", ToolName: "sum", ErrorText: "boom"})
	assert.True(t, DidToolExecute(item, "sum"))
	assert.False(t, DidToolExecute(item, "other"))
}

func TestNormalizeUsage(t *testing.T) {
	u, ok := NormalizeUsage(map[string]any{
		"prompt_tokens":         100.0,
		"completion_tokens":     20.0,
		"prompt_tokens_details": map[string]any{"cached_tokens": 40.0},
	})
	require.True(t, ok)
	assert.Equal(t, Usage{PromptTokens: 100, PromptTokensCached: 40, PromptTokensUncached: 60, CompletionTokens: 20, TotalTokens: 120}, u)

	u, ok = NormalizeUsage(map[string]any{"inputTokens": 5, "outputTokens": 6, "totalTokens": 50})
	require.True(t, ok)
	assert.Equal(t, 50, u.TotalTokens)

	_, ok = NormalizeUsage(map[string]any{"foo": 1})
	assert.False(t, ok)
}

func TestExtractUsage_FromItemMetadata(t *testing.T) {
	item := Item{Content: ItemContent{Extra: map[string]any{
		"metadata": map[string]any{"usage": map[string]any{"promptTokens": 3, "completionTokens": 4}},
	}}}
	u, ok := ExtractUsage(item)
	require.True(t, ok)
	assert.Equal(t, 7, u.TotalTokens)

	_, ok = ExtractUsage(Item{})
	assert.False(t, ok)
}
