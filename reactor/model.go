package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/model"
	"github.com/hupe1980/threadmesh/stream"
)

// ModelOptions configure a ModelReactor.
type ModelOptions struct {
	// MaxModelSteps is the reactor default budget of model calls per
	// reaction. An execution-level override always wins.
	MaxModelSteps int

	// ResolveConfig loads per-call configuration handed to the selectors.
	ResolveConfig func(ctx context.Context, in Input) (map[string]any, error)
	// SelectModel may override the model name. Empty keeps in.Model.
	SelectModel func(cfg map[string]any, in Input) string
	// SelectMaxModelSteps may override the reactor default budget.
	SelectMaxModelSteps func(cfg map[string]any, in Input) int

	Logger logging.Logger
}

// ModelReactor produces reactions with a model.Model.
//
// Text deltas are streamed as text-delta chunks. When the model stops with
// finish reason "length" and budget remains, the reactor asks it to continue
// and appends the continuation to the same reaction.
type ModelReactor struct {
	model model.Model
	opts  ModelOptions
}

var _ Reactor = (*ModelReactor)(nil)

// NewModelReactor wraps m.
func NewModelReactor(m model.Model, optFns ...func(o *ModelOptions)) *ModelReactor {
	opts := ModelOptions{MaxModelSteps: 1}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &ModelReactor{model: m, opts: opts}
}

// React implements Reactor.
func (r *ModelReactor) React(ctx context.Context, in Input) (*Output, error) {
	var cfg map[string]any
	if r.opts.ResolveConfig != nil {
		c, err := r.opts.ResolveConfig(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("resolve config: %w", err)
		}
		cfg = c
	}

	modelName := in.Model
	if r.opts.SelectModel != nil {
		if name := r.opts.SelectModel(cfg, in); name != "" {
			modelName = name
		}
	}
	reactorDefault := r.opts.MaxModelSteps
	if r.opts.SelectMaxModelSteps != nil {
		if n := r.opts.SelectMaxModelSteps(cfg, in); n > 0 {
			reactorDefault = n
		}
	}
	limiter := core.NewStepLimiter(core.ResolveMaxModelSteps(in.MaxModelSteps, reactorDefault))

	if in.SendStart {
		if err := WriteChunk(ctx, in, stream.ChunkStart, map[string]any{"messageId": in.EventID}); err != nil {
			return nil, err
		}
	}

	onDelta := func(delta string) error {
		return WriteChunk(ctx, in, stream.ChunkTextDelta, map[string]any{"id": in.EventID, "delta": delta})
	}

	messages := append([]core.ModelMessage(nil), in.Messages...)
	var (
		parts []core.Part
		usage core.Usage
	)
	start := time.Now()
	for {
		if err := limiter.Take(); err != nil {
			return nil, err
		}
		resp, err := model.Collect(ctx, r.model, model.Request{
			Model:        modelName,
			Instructions: in.SystemPrompt,
			Messages:     messages,
			Tools:        in.ToolsForModel,
			Stream:       in.Stream != nil && !in.Silent,
		}, onDelta)
		if err != nil {
			return nil, err
		}
		parts = appendParts(parts, resp.Parts)
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.PromptTokensCached += resp.Usage.PromptTokensCached
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}
		if resp.FinishReason != "length" || limiter.Remaining() == 0 {
			break
		}
		r.opts.Logger.Debug("thread.reactor.continue", "step_id", in.StepID, "used", limiter.Used())
		messages = append(messages, core.ItemToModelMessages(core.Item{
			Type:    core.ItemTypeOutputText,
			Content: core.ItemContent{Parts: resp.Parts},
		})...)
	}
	if usage.PromptTokensCached > 0 && usage.PromptTokens >= usage.PromptTokensCached {
		usage.PromptTokensUncached = usage.PromptTokens - usage.PromptTokensCached
	}

	info := r.model.Info()
	if modelName == "" {
		modelName = info.Name
	}
	item := NormalizeAssistantItem(in, core.Item{Content: core.ItemContent{Parts: parts}})

	return &Output{
		AssistantItem:    item,
		ToolCalls:        core.ExtractToolCalls(parts),
		MessagesForModel: messages,
		LLM: &LLMUsage{
			Provider:  info.Provider,
			Model:     modelName,
			Usage:     usage,
			LatencyMs: time.Since(start).Milliseconds(),
			Extra:     map[string]any{"modelSteps": limiter.Used()},
		},
	}, nil
}

// appendParts merges a continuation's leading text into a trailing text part.
func appendParts(parts, next []core.Part) []core.Part {
	for _, p := range next {
		if n := len(parts); n > 0 && p.Type() == "text" && parts[n-1].Type() == "text" {
			merged := parts[n-1].Clone()
			merged["text"] = parts[n-1].Text() + p.Text()
			parts[n-1] = merged
			continue
		}
		parts = append(parts, p.Clone())
	}
	return parts
}
