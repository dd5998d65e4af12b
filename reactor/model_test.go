package reactor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/model"
	"github.com/hupe1980/threadmesh/stream"
)

type recordedChunk struct {
	Type string
	Data any
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []recordedChunk
}

func (r *chunkRecorder) WriteChunk(_ context.Context, chunkType string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, recordedChunk{Type: chunkType, Data: data})
	return nil
}

func (r *chunkRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.chunks))
	for _, c := range r.chunks {
		out = append(out, c.Type)
	}
	return out
}

func userInput(text string) Input {
	trigger := core.Item{
		ID:      "trigger-1",
		Type:    core.ItemTypeInputText,
		Channel: core.ChannelWeb,
		Content: core.ItemContent{Parts: []core.Part{core.NewTextPart(text)}},
	}
	return Input{
		TriggerItem: trigger,
		Messages:    core.ItemToModelMessages(trigger),
		EventID:     "event-1",
		ExecutionID: "exec-1",
		ContextID:   "ctx-1",
		StepID:      "step-1",
	}
}

func TestModelReactor_TextReaction(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.AddResponse("hi", "hello")

	rec := &chunkRecorder{}
	in := userInput("hi")
	in.Stream = rec
	in.SendStart = true

	out, err := NewModelReactor(m).React(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "event-1", out.AssistantItem.ID)
	assert.Equal(t, core.ItemTypeOutputText, out.AssistantItem.Type)
	assert.Equal(t, core.ChannelWeb, out.AssistantItem.Channel)
	assert.Equal(t, "hello", core.TextOf(out.AssistantItem.Content.Parts))
	assert.Empty(t, out.ToolCalls)

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, stream.ChunkStart, types[0])
	assert.Len(t, types, 1+len("hello"))

	require.NotNil(t, out.LLM)
	assert.Equal(t, "mock", out.LLM.Provider)
	assert.Equal(t, "mock-1", out.LLM.Model)
	assert.Equal(t, 1, out.LLM.Extra["modelSteps"])
	assert.Equal(t, 7, out.LLM.TotalTokens)
}

func TestModelReactor_ToolCallsAreExtracted(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.AddParts("weather?", model.ToolPart("get_weather", "call-1", `{"city":"Berlin"}`))

	out, err := NewModelReactor(m).React(context.Background(), userInput("weather?"))
	require.NoError(t, err)

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call-1", out.ToolCalls[0].ToolCallID)
	assert.Equal(t, "get_weather", out.ToolCalls[0].ToolName)
	assert.Equal(t, map[string]any{"city": "Berlin"}, out.ToolCalls[0].Input)
}

func TestModelReactor_SilentWritesNoChunks(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	rec := &chunkRecorder{}
	in := userInput("hi")
	in.Stream = rec
	in.SendStart = true
	in.Silent = true

	_, err := NewModelReactor(m).React(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rec.types())
	require.Len(t, m.Requests(), 1)
	assert.False(t, m.Requests()[0].Stream)
}

func TestModelReactor_SelectModelOverridesName(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	r := NewModelReactor(m, func(o *ModelOptions) {
		o.ResolveConfig = func(context.Context, Input) (map[string]any, error) {
			return map[string]any{"model": "mock-large"}, nil
		}
		o.SelectModel = func(cfg map[string]any, _ Input) string {
			name, _ := cfg["model"].(string)
			return name
		}
	})

	out, err := r.React(context.Background(), userInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, "mock-large", out.LLM.Model)
	assert.Equal(t, "mock-large", m.Requests()[0].Model)
}

// lengthModel answers with finish reason "length" until the budget of
// truncated replies is used up.
type lengthModel struct {
	mu        sync.Mutex
	truncated int
	calls     int
}

func (l *lengthModel) Generate(_ context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	l.mu.Lock()
	l.calls++
	finish := "stop"
	if l.calls <= l.truncated {
		finish = "length"
	}
	l.mu.Unlock()

	out := make(chan model.Response, 1)
	errCh := make(chan error)
	out <- model.Response{
		Parts:        []core.Part{core.NewTextPart("part")},
		FinishReason: finish,
		Usage:        &core.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}
	close(out)
	close(errCh)
	return out, errCh
}

func (l *lengthModel) Info() model.Info { return model.Info{Name: "length", Provider: "test"} }

func TestModelReactor_ContinuesOnLengthWithinBudget(t *testing.T) {
	m := &lengthModel{truncated: 1}
	r := NewModelReactor(m, func(o *ModelOptions) { o.MaxModelSteps = 3 })

	out, err := r.React(context.Background(), userInput("go"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.calls)
	require.Len(t, out.AssistantItem.Content.Parts, 1)
	assert.Equal(t, "partpart", out.AssistantItem.Content.Parts[0].Text())
	assert.Equal(t, 4, out.LLM.TotalTokens)
	assert.Equal(t, 2, out.LLM.Extra["modelSteps"])
}

func TestModelReactor_ExecutionOverrideBoundsContinuation(t *testing.T) {
	m := &lengthModel{truncated: 10}
	r := NewModelReactor(m, func(o *ModelOptions) { o.MaxModelSteps = 5 })

	in := userInput("go")
	in.MaxModelSteps = 2

	out, err := r.React(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, m.calls)
	assert.Equal(t, 2, out.LLM.Extra["modelSteps"])
}

func TestModelReactor_PropagatesModelError(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	in := userInput("hi")
	in.Messages = nil

	_, err := NewModelReactor(m).React(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no messages provided")
}

func TestAppendParts_MergesAdjacentText(t *testing.T) {
	parts := appendParts(nil, []core.Part{core.NewTextPart("a")})
	parts = appendParts(parts, []core.Part{core.NewTextPart("b"), core.NewToolPart("x", "c1", nil)})

	require.Len(t, parts, 2)
	assert.Equal(t, "ab", parts[0].Text())
	assert.Equal(t, "tool-x", parts[1].Type())
}
