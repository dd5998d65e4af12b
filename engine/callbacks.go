package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/internal/util"
	"github.com/hupe1980/threadmesh/reactor"
)

// HookContext is what every definition hook sees. Context is the latest
// persisted view and must not be mutated in place; return content from
// Initialize instead.
type HookContext struct {
	Context     *core.Context
	Env         map[string]any
	ExecutionID string
	Iteration   int
}

// Turn describes one finished reaction for the continuation hooks.
type Turn struct {
	HookContext
	TriggerItem  core.Item
	ReactionItem core.Item
	ToolCalls    []core.ToolCall
	Results      []core.ToolExecutionResult
}

// Definition describes one kind of thread: how its prompt, actions and
// reactor are resolved and when its loop stops.
//
// Only Reactor (or SelectReactor) is required. Every hook is optional and
// runs inside the execution that triggered it; a hook returning an error
// fails that execution the same way a reactor error does.
//
// Continuation follows two rules:
//   - a reaction without tool calls asks OnEnd whether the turn is over.
//     Without OnEnd the turn ends, unless ShouldContinue is set, in which
//     case the decision is left to it.
//   - a reaction with tool calls runs them and then asks ShouldContinue.
//     Without ShouldContinue the loop continues so the model sees the results.
//
// Example:
//
//	def := &engine.Definition{
//	    Key:          "support",
//	    Model:        "gpt-4o-mini",
//	    SystemPrompt: "You help {{.customer}} with their order.",
//	    Actions:      []action.Action{lookupOrder},
//	    Reactor:      reactor.NewModelReactor(openaiModel),
//	}
type Definition struct {
	// Key identifies the definition in a registry and in traces.
	Key  string
	Name string

	// Model is handed to the reactor as the default model name.
	Model string
	// SystemPrompt is a text/template rendered against the context content.
	SystemPrompt string
	// Actions is the static action set. BuildActions replaces it when set.
	Actions []action.Action
	// Reactor produces one reaction per iteration.
	Reactor reactor.Reactor

	// MaxIterations overrides the engine bound for this definition.
	MaxIterations int
	// MaxModelSteps overrides the engine model call budget.
	MaxModelSteps int
	// CloseOnComplete closes the context (and its thread) once an execution
	// completes successfully.
	CloseOnComplete bool

	// Initialize returns content merged into the context before every
	// iteration. The merge re-reads the stored content first.
	Initialize func(ctx context.Context, hc HookContext) (map[string]any, error)
	// BuildSystemPrompt replaces the rendered SystemPrompt.
	BuildSystemPrompt func(ctx context.Context, hc HookContext) (string, error)
	// BuildActions resolves the action set for one iteration.
	BuildActions func(ctx context.Context, hc HookContext) (action.Set, error)
	// SelectModel may pick a different model name per iteration.
	SelectModel func(hc HookContext) string
	// SelectReactor may pick a different reactor per iteration.
	SelectReactor func(hc HookContext) (reactor.Reactor, error)
	// ExpandItems transforms the timeline before it becomes model history.
	ExpandItems func(ctx context.Context, hc HookContext, items []core.Item) ([]core.Item, error)

	// ShouldContinue decides whether another iteration runs.
	ShouldContinue func(ctx context.Context, t Turn) (bool, error)
	// OnEnd is consulted for reactions without tool calls. Returning true
	// ends the loop.
	OnEnd func(ctx context.Context, t Turn) (bool, error)

	OnContextCreated func(ctx context.Context, hc HookContext) error
	OnContextUpdated func(ctx context.Context, hc HookContext) error
	OnItemCreated    func(ctx context.Context, hc HookContext, item core.Item) error
	OnActionExecuted func(ctx context.Context, hc HookContext, res core.ToolExecutionResult)
}

// Validate reports definitions that cannot run.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.New("thread definition is nil")
	}
	if d.Reactor == nil && d.SelectReactor == nil {
		return fmt.Errorf("thread definition %q has no reactor", d.Key)
	}
	return nil
}

func (d *Definition) initialize(ctx context.Context, hc HookContext) (map[string]any, error) {
	if d.Initialize == nil {
		return nil, nil
	}
	return d.Initialize(ctx, hc)
}

func (d *Definition) systemPrompt(ctx context.Context, hc HookContext) (string, error) {
	if d.BuildSystemPrompt != nil {
		return d.BuildSystemPrompt(ctx, hc)
	}
	var content map[string]any
	if hc.Context != nil {
		content = hc.Context.Content
	}
	return util.RenderTemplate(d.SystemPrompt, content)
}

func (d *Definition) actions(ctx context.Context, hc HookContext) (action.Set, error) {
	if d.BuildActions != nil {
		set, err := d.BuildActions(ctx, hc)
		if err != nil {
			return nil, err
		}
		if set == nil {
			set = action.Set{}
		}
		return set, nil
	}
	return action.NewSet(d.Actions...), nil
}

func (d *Definition) model(hc HookContext) string {
	if d.SelectModel != nil {
		if name := d.SelectModel(hc); name != "" {
			return name
		}
	}
	return d.Model
}

func (d *Definition) reactor(hc HookContext) (reactor.Reactor, error) {
	if d.SelectReactor != nil {
		r, err := d.SelectReactor(hc)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
	}
	if d.Reactor == nil {
		return nil, fmt.Errorf("thread definition %q has no reactor", d.Key)
	}
	return d.Reactor, nil
}

func (d *Definition) expandItems(ctx context.Context, hc HookContext, items []core.Item) ([]core.Item, error) {
	if d.ExpandItems == nil {
		return items, nil
	}
	return d.ExpandItems(ctx, hc, items)
}

// ends reports whether a reaction without tool calls finishes the loop.
func (d *Definition) ends(ctx context.Context, t Turn) (bool, error) {
	if d.OnEnd != nil {
		return d.OnEnd(ctx, t)
	}
	return d.ShouldContinue == nil, nil
}

func (d *Definition) shouldContinue(ctx context.Context, t Turn) (bool, error) {
	if d.ShouldContinue == nil {
		return true, nil
	}
	return d.ShouldContinue(ctx, t)
}

func (d *Definition) contextCreated(ctx context.Context, hc HookContext) error {
	if d.OnContextCreated == nil {
		return nil
	}
	return d.OnContextCreated(ctx, hc)
}

func (d *Definition) contextUpdated(ctx context.Context, hc HookContext) error {
	if d.OnContextUpdated == nil {
		return nil
	}
	return d.OnContextUpdated(ctx, hc)
}

func (d *Definition) itemCreated(ctx context.Context, hc HookContext, item core.Item) error {
	if d.OnItemCreated == nil {
		return nil
	}
	return d.OnItemCreated(ctx, hc, item)
}

func (d *Definition) actionExecuted(ctx context.Context, hc HookContext, res core.ToolExecutionResult) {
	if d.OnActionExecuted != nil {
		d.OnActionExecuted(ctx, hc, res)
	}
}
