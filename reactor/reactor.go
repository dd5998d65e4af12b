package reactor

import (
	"context"
	"time"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/model"
)

// ChunkWriter receives provider chunks during a reaction. The engine wraps
// each one in a chunk.emitted event.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, chunkType string, data any) error
}

// ChunkWriterFunc adapts a function to ChunkWriter.
type ChunkWriterFunc func(ctx context.Context, chunkType string, data any) error

// WriteChunk implements ChunkWriter.
func (f ChunkWriterFunc) WriteChunk(ctx context.Context, chunkType string, data any) error {
	return f(ctx, chunkType, data)
}

// Input is everything a reactor needs for one iteration.
type Input struct {
	Env               map[string]any
	Context           *core.Context
	ContextIdentifier core.Identifier
	TriggerItem       core.Item
	Model             string
	SystemPrompt      string
	Actions           action.Set
	ToolsForModel     []model.ToolDefinition
	Messages          []core.ModelMessage

	// EventID is the id the assistant item must carry.
	EventID     string
	ExecutionID string
	ContextID   string
	StepID      string
	Iteration   int

	// MaxModelSteps is the execution-level override; 0 leaves the reactor default.
	MaxModelSteps int
	// SendStart is true only for the first iteration of an execution.
	SendStart bool
	Silent    bool
	Stream    ChunkWriter
}

// LLMUsage reports the model calls behind a reaction.
type LLMUsage struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	core.Usage
	LatencyMs int64          `json:"latencyMs"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Output is one reaction.
type Output struct {
	AssistantItem    core.Item           `json:"assistantItem"`
	ToolCalls        []core.ToolCall     `json:"toolCalls"`
	MessagesForModel []core.ModelMessage `json:"messagesForModel"`
	LLM              *LLMUsage           `json:"llm,omitempty"`
}

// Reactor produces one reaction per loop iteration.
type Reactor interface {
	React(ctx context.Context, in Input) (*Output, error)
}

// Func adapts a function to Reactor.
type Func func(ctx context.Context, in Input) (*Output, error)

// React implements Reactor.
func (f Func) React(ctx context.Context, in Input) (*Output, error) { return f(ctx, in) }

// WriteChunk forwards a chunk to in.Stream unless the input is silent or
// has no stream.
func WriteChunk(ctx context.Context, in Input, chunkType string, data any) error {
	if in.Silent || in.Stream == nil {
		return nil
	}
	return in.Stream.WriteChunk(ctx, chunkType, data)
}

var now = func() time.Time { return time.Now().UTC() }

// NormalizeAssistantItem fills the fields a reactor left empty: id (the
// input EventID), type output_text, the trigger's channel and createdAt.
func NormalizeAssistantItem(in Input, item core.Item) core.Item {
	if item.ID == "" {
		item.ID = in.EventID
	}
	if item.Type == "" {
		item.Type = core.ItemTypeOutputText
	}
	if item.Channel == "" {
		item.Channel = in.TriggerItem.Channel
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now()
	}
	if item.Content.Parts == nil {
		item.Content.Parts = []core.Part{}
	}
	return item
}
