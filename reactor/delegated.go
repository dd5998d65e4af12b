package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
)

// DefaultInstruction is used when the trigger carries no text.
const DefaultInstruction = "Continue with the current task."

// TurnRequest is handed to a TurnExecutor for one delegated turn.
type TurnRequest struct {
	Env         map[string]any `json:"env,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	TriggerItem core.Item      `json:"triggerItem"`
	ContextID   string         `json:"contextId"`
	EventID     string         `json:"eventId"`
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Iteration   int            `json:"iteration"`
	Instruction string         `json:"instruction"`
	Config      map[string]any `json:"config,omitempty"`
	Silent      bool           `json:"silent"`

	// EmitChunk forwards one provider chunk. It is a no-op for silent turns.
	EmitChunk func(ctx context.Context, providerChunk map[string]any) error `json:"-"`
}

// TurnResult is the free-form outcome of a delegated turn.
type TurnResult struct {
	ThreadID      string         `json:"threadId"`
	TurnID        string         `json:"turnId"`
	AssistantText string         `json:"assistantText"`
	ReasoningText string         `json:"reasoningText,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	ToolParts     []any          `json:"toolParts,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Usage         map[string]any `json:"usage,omitempty"`
}

// TurnExecutor runs one turn in an external agent.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// TurnExecutorFunc adapts a function to TurnExecutor.
type TurnExecutorFunc func(ctx context.Context, req TurnRequest) (*TurnResult, error)

// ExecuteTurn implements TurnExecutor.
func (f TurnExecutorFunc) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return f(ctx, req)
}

// MappedChunk is a provider chunk after normalization.
type MappedChunk struct {
	At                time.Time `json:"at"`
	Sequence          int       `json:"sequence"`
	ChunkType         string    `json:"chunkType"`
	ProviderChunkType string    `json:"providerChunkType,omitempty"`
	ActionRef         string    `json:"actionRef,omitempty"`
	Data              any       `json:"data,omitempty"`
}

// StreamTrace summarizes the chunks of one delegated turn.
type StreamTrace struct {
	TotalChunks        int            `json:"totalChunks"`
	ChunkTypes         map[string]int `json:"chunkTypes"`
	ProviderChunkTypes map[string]int `json:"providerChunkTypes"`
	Chunks             []MappedChunk  `json:"chunks,omitempty"`
}

// DelegatedOptions configure a Delegated reactor.
type DelegatedOptions struct {
	// ToolName names the synthetic "<tool>-event" part. Defaults to "agent".
	ToolName string
	// Provider is reported in LLM usage and chunk payloads. Defaults to ToolName.
	Provider             string
	IncludeReasoningPart bool
	// DisableStreamTrace drops the stream trace from the part output.
	DisableStreamTrace bool
	// MaxTracedChunks caps the chunks kept in the stream trace. Defaults to 300.
	MaxTracedChunks int

	BuildInstruction func(ctx context.Context, in Input) (string, error)
	ResolveConfig    func(ctx context.Context, in Input) (map[string]any, error)
	MapChunk         func(providerChunk map[string]any) (ChunkMapping, bool)

	Logger logging.Logger
}

// Delegated maps one loop iteration to one external agent turn. It reports
// no tool calls since the external agent runs its own actions.
type Delegated struct {
	executor TurnExecutor
	opts     DelegatedOptions
}

var _ Reactor = (*Delegated)(nil)

// NewDelegated wraps a turn executor.
func NewDelegated(executor TurnExecutor, optFns ...func(o *DelegatedOptions)) (*Delegated, error) {
	if executor == nil {
		return nil, errors.New("delegated reactor: turn executor is required")
	}
	opts := DelegatedOptions{ToolName: "agent", MaxTracedChunks: 300}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.ToolName = strings.TrimSpace(opts.ToolName)
	if opts.ToolName == "" {
		opts.ToolName = "agent"
	}
	if opts.Provider == "" {
		opts.Provider = opts.ToolName
	}
	if opts.MapChunk == nil {
		opts.MapChunk = MapProviderChunk
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Delegated{executor: executor, opts: opts}, nil
}

// React implements Reactor.
func (d *Delegated) React(ctx context.Context, in Input) (*Output, error) {
	var contextContent map[string]any
	if in.Context != nil {
		contextContent = in.Context.Content
	}

	instruction := InstructionFromTrigger(in.TriggerItem)
	if d.opts.BuildInstruction != nil {
		built, err := d.opts.BuildInstruction(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("build instruction: %w", err)
		}
		instruction = built
	}
	instruction = strings.TrimSpace(instruction)

	var cfg map[string]any
	if d.opts.ResolveConfig != nil {
		c, err := d.opts.ResolveConfig(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("resolve config: %w", err)
		}
		cfg = c
	}

	trace := &StreamTrace{ChunkTypes: map[string]int{}, ProviderChunkTypes: map[string]int{}}
	emit := func(ctx context.Context, providerChunk map[string]any) error {
		if in.Silent {
			return nil
		}
		mapped, ok := d.opts.MapChunk(providerChunk)
		if !ok || mapped.Skip {
			return nil
		}
		trace.TotalChunks++
		mc := MappedChunk{
			At:                now(),
			Sequence:          trace.TotalChunks,
			ChunkType:         mapped.ChunkType,
			ProviderChunkType: mapped.ProviderChunkType,
			ActionRef:         mapped.ActionRef,
			Data:              mapped.Data,
		}
		trace.ChunkTypes[mc.ChunkType]++
		providerType := mc.ProviderChunkType
		if providerType == "" {
			providerType = "unknown"
		}
		trace.ProviderChunkTypes[providerType]++
		if !d.opts.DisableStreamTrace && len(trace.Chunks) < d.opts.MaxTracedChunks {
			trace.Chunks = append(trace.Chunks, mc)
		}
		return WriteChunk(ctx, in, mc.ChunkType, map[string]any{
			"itemId":            in.EventID,
			"actionRef":         mc.ActionRef,
			"provider":          d.opts.Provider,
			"providerChunkType": mc.ProviderChunkType,
			"sequence":          mc.Sequence,
			"data":              mc.Data,
		})
	}

	start := time.Now()
	turn, err := d.executor.ExecuteTurn(ctx, TurnRequest{
		Env:         in.Env,
		Context:     contextContent,
		TriggerItem: in.TriggerItem,
		ContextID:   in.ContextID,
		EventID:     in.EventID,
		ExecutionID: in.ExecutionID,
		StepID:      in.StepID,
		Iteration:   in.Iteration,
		Instruction: instruction,
		Config:      cfg,
		Silent:      in.Silent,
		EmitChunk:   emit,
	})
	if err != nil {
		return nil, err
	}
	if turn == nil {
		return nil, errors.New("delegated reactor: turn executor returned no result")
	}
	latency := time.Since(start).Milliseconds()

	var traceOut *StreamTrace
	if !d.opts.DisableStreamTrace {
		traceOut = trace
	}

	rawUsage := turn.Usage
	if rawUsage == nil {
		rawUsage, _ = turn.Metadata["usage"].(map[string]any)
	}
	usage, _ := core.NormalizeUsage(rawUsage)

	modelName, _ := cfg["model"].(string)
	if modelName == "" {
		modelName = d.opts.Provider
	}

	item := NormalizeAssistantItem(in, core.Item{
		Status:  core.ItemStatusCompleted,
		Content: core.ItemContent{Parts: d.buildParts(turn, instruction, traceOut)},
	})

	return &Output{
		AssistantItem:    item,
		ToolCalls:        []core.ToolCall{},
		MessagesForModel: []core.ModelMessage{},
		LLM: &LLMUsage{
			Provider:  d.opts.Provider,
			Model:     modelName,
			Usage:     usage,
			LatencyMs: latency,
			Extra: map[string]any{
				"rawUsage": rawUsage,
				"rawProviderMetadata": map[string]any{
					"threadId": turn.ThreadID,
					"turnId":   turn.TurnID,
					"metadata": turn.Metadata,
					"streamTrace": map[string]any{
						"totalChunks":        trace.TotalChunks,
						"chunkTypes":         trace.ChunkTypes,
						"providerChunkTypes": trace.ProviderChunkTypes,
					},
				},
			},
		},
	}, nil
}

// buildParts maps a turn result to text, optional reasoning and a synthetic
// settled tool part carrying the provider metadata.
func (d *Delegated) buildParts(turn *TurnResult, instruction string, trace *StreamTrace) []core.Part {
	parts := make([]core.Part, 0, 3)
	if text := strings.TrimSpace(turn.AssistantText); text != "" {
		parts = append(parts, core.NewTextPart(text))
	}
	if d.opts.IncludeReasoningPart {
		if text := strings.TrimSpace(turn.ReasoningText); text != "" {
			parts = append(parts, core.NewReasoningPart(text))
		}
	}

	toolParts := turn.ToolParts
	if toolParts == nil {
		toolParts = []any{}
	}
	metadata := map[string]any{
		"threadId":  turn.ThreadID,
		"turnId":    turn.TurnID,
		"diff":      turn.Diff,
		"toolParts": toolParts,
	}
	if trace != nil {
		metadata["streamTrace"] = toJSONSafe(trace)
	}
	for k, v := range turn.Metadata {
		metadata[k] = v
	}
	partMeta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		partMeta[k] = v
	}
	partMeta["eventType"] = d.opts.ToolName + "-event"

	callID := turn.TurnID
	if callID == "" {
		callID = turn.ThreadID
	}
	parts = append(parts, core.Part{
		"type":       d.opts.ToolName + "-event",
		"toolName":   d.opts.ToolName,
		"toolCallId": callID,
		"state":      core.ToolStateOutputAvailable,
		"input":      map[string]any{"instruction": instruction},
		"output":     metadata,
		"metadata":   partMeta,
	})
	return parts
}

// InstructionFromTrigger joins the text of the trigger's parts. It falls
// back to DefaultInstruction.
func InstructionFromTrigger(item core.Item) string {
	var out []string
	for _, p := range item.Content.Parts {
		var text string
		switch p.Type() {
		case "input_text":
			text = p.String("input_text")
			if text == "" {
				text = p.Text()
			}
		default:
			text = p.Text()
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	if msg := strings.TrimSpace(strings.Join(out, "\n")); msg != "" {
		return msg
	}
	return DefaultInstruction
}

func toJSONSafe(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
