package reactor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
)

func TestDelegated_BuildsPartsAndUsage(t *testing.T) {
	var got TurnRequest
	exec := TurnExecutorFunc(func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		got = req
		require.NoError(t, req.EmitChunk(ctx, map[string]any{"method": "turn/started", "params": map[string]any{}}))
		require.NoError(t, req.EmitChunk(ctx, map[string]any{
			"method": "item/agentMessage/delta",
			"params": map[string]any{"itemId": "m1", "delta": "Hel"},
		}))
		return &TurnResult{
			ThreadID:      "thr-1",
			TurnID:        "turn-1",
			AssistantText: " Hello ",
			ReasoningText: "thinking",
			Diff:          "+a",
			Usage:         map[string]any{"input_tokens": 10, "output_tokens": 5},
		}, nil
	})
	d, err := NewDelegated(exec, func(o *DelegatedOptions) {
		o.ToolName = "codex"
		o.IncludeReasoningPart = true
	})
	require.NoError(t, err)

	rec := &chunkRecorder{}
	in := userInput("fix the bug")
	in.Stream = rec

	out, err := d.React(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "fix the bug", got.Instruction)
	assert.Equal(t, "ctx-1", got.ContextID)
	assert.Equal(t, []string{ChunkTypeStart, ChunkTypeTextDelta}, rec.types())

	parts := out.AssistantItem.Content.Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "Hello", parts[0].Text())
	assert.Equal(t, "reasoning", parts[1].Type())

	event := parts[2]
	assert.Equal(t, "codex-event", event.Type())
	assert.Equal(t, "turn-1", event.String("toolCallId"))
	assert.Equal(t, core.ToolStateOutputAvailable, event.String("state"))
	output, ok := event["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thr-1", output["threadId"])
	assert.Equal(t, "+a", output["diff"])
	assert.NotNil(t, output["streamTrace"])
	meta := event["metadata"].(map[string]any)
	assert.Equal(t, "codex-event", meta["eventType"])

	assert.Empty(t, out.ToolCalls)
	assert.Equal(t, core.ItemStatusCompleted, out.AssistantItem.Status)
	require.NotNil(t, out.LLM)
	assert.Equal(t, "codex", out.LLM.Provider)
	assert.Equal(t, 10, out.LLM.PromptTokens)
	assert.Equal(t, 15, out.LLM.TotalTokens)
}

func TestDelegated_SilentSuppressesChunks(t *testing.T) {
	exec := TurnExecutorFunc(func(ctx context.Context, req TurnRequest) (*TurnResult, error) {
		assert.True(t, req.Silent)
		return &TurnResult{TurnID: "t"}, req.EmitChunk(ctx, map[string]any{"type": "text_delta"})
	})
	d, err := NewDelegated(exec)
	require.NoError(t, err)

	rec := &chunkRecorder{}
	in := userInput("hi")
	in.Stream = rec
	in.Silent = true

	out, err := d.React(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rec.types())
	require.Len(t, out.AssistantItem.Content.Parts, 1)
	assert.Equal(t, "agent-event", out.AssistantItem.Content.Parts[0].Type())
}

func TestDelegated_ExecutorError(t *testing.T) {
	boom := errors.New("turn crashed")
	d, err := NewDelegated(TurnExecutorFunc(func(context.Context, TurnRequest) (*TurnResult, error) {
		return nil, boom
	}))
	require.NoError(t, err)

	_, err = d.React(context.Background(), userInput("hi"))
	assert.ErrorIs(t, err, boom)
}

func TestDelegated_RequiresExecutor(t *testing.T) {
	_, err := NewDelegated(nil)
	assert.Error(t, err)
}

func TestInstructionFromTrigger(t *testing.T) {
	item := core.Item{Content: core.ItemContent{Parts: []core.Part{
		core.NewTextPart("first"),
		{"type": "input_text", "input_text": "second"},
		core.NewToolPart("x", "c1", nil),
	}}}
	assert.Equal(t, "first\nsecond", InstructionFromTrigger(item))
	assert.Equal(t, DefaultInstruction, InstructionFromTrigger(core.Item{}))
}

func TestMapProviderChunkType(t *testing.T) {
	tests := map[string]string{
		"start":               ChunkTypeStart,
		"response.start_step": ChunkTypeStartStep,
		"finish":              ChunkTypeFinish,
		"reasoning_delta":     ChunkTypeReasoningDelta,
		"tool_input_start":    ChunkTypeActionInputStart,
		"action_call":         ChunkTypeActionInputAvailable,
		"tool_output_error":   ChunkTypeActionOutputError,
		"message.delta":       ChunkTypeTextDelta,
		"source_url":          ChunkTypeSourceURL,
		"file_attached":       ChunkTypeFile,
		"stream_error":        ChunkTypeError,
		"something":           ChunkTypeUnknown,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, MapProviderChunkType(in))
		})
	}
}

func TestMapProviderChunk_Notifications(t *testing.T) {
	m, ok := MapProviderChunk(map[string]any{
		"method": "item/completed",
		"params": map[string]any{"item": map[string]any{"id": "cmd-1", "type": "commandExecution", "status": "failed"}},
	})
	require.True(t, ok)
	assert.Equal(t, ChunkTypeActionOutputError, m.ChunkType)
	assert.Equal(t, "cmd-1", m.ActionRef)

	m, ok = MapProviderChunk(map[string]any{"method": "item/started", "params": map[string]any{"item": map[string]any{"type": "agentMessage"}}})
	require.True(t, ok)
	assert.Equal(t, ChunkTypeTextStart, m.ChunkType)
	assert.Empty(t, m.ActionRef)

	m, ok = MapProviderChunk(map[string]any{"method": "codex/event/task_started"})
	require.True(t, ok)
	assert.True(t, m.Skip)

	m, ok = MapProviderChunk(map[string]any{"method": "thread/compacted"})
	require.True(t, ok)
	assert.Equal(t, ChunkTypeMessageMetadata, m.ChunkType)

	m, ok = MapProviderChunk(map[string]any{"type": "text_delta", "id": "x", "delta": "d"})
	require.True(t, ok)
	assert.Equal(t, ChunkTypeTextDelta, m.ChunkType)
	assert.Equal(t, "x", m.ActionRef)
	assert.Equal(t, map[string]any{"id": "x", "delta": "d"}, m.Data)
}
