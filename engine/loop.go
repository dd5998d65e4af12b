package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/reactor"
	"github.com/hupe1980/threadmesh/stream"
	"github.com/hupe1980/threadmesh/trace"
)

// loop runs iterations strictly one after another until the continuation
// hooks stop it, an iteration fails or the bound is reached.
func (r *run) loop(ctx context.Context) error {
	for iteration := 0; iteration < r.maxIterations; iteration++ {
		cont, err := r.iterate(ctx, iteration)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if r.maxIterations > 0 {
		r.logger.Debug("thread.execution.max_iterations", "max_iterations", r.maxIterations)
	}
	return nil
}

func (r *run) iterate(ctx context.Context, iteration int) (bool, error) {
	st := r.eng.opts.Store
	started := time.Now()

	step, err := st.CreateStep(ctx, core.StepInput{ExecutionID: r.execution.ID, Iteration: iteration})
	if err != nil {
		return false, core.NewStoreError("createStep", err)
	}
	r.iterations = iteration + 1
	r.emit(ctx, stream.StepCreated(step))
	if err := r.trace(ctx, stepRecord(step, core.StepStatusRunning, nil)); err != nil {
		r.failStep(ctx, step, err)
		return false, err
	}

	cont, err := r.runStep(ctx, step)
	if err != nil {
		r.failStep(ctx, step, err)
		return false, err
	}
	r.eng.opts.Metrics.RecordStep(ctx, r.def.Key, string(core.StepStatusCompleted))
	if tl, ok := r.logger.(*logging.ThreadLogger); ok {
		tl.LogIteration(iteration, cont, time.Since(started))
	}
	return cont, nil
}

func (r *run) runStep(ctx context.Context, step *core.Step) (bool, error) {
	st := r.eng.opts.Store
	hc := r.hookContext(step.Iteration)

	content, err := r.def.initialize(ctx, hc)
	if err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}
	if content != nil {
		updated, err := st.UpdateContextContent(ctx, r.context.Identifier(), content)
		if err != nil {
			return false, core.NewStoreError("updateContextContent", err)
		}
		r.context.Content = updated.Content
		r.context.UpdatedAt = updated.UpdatedAt
		hc = r.hookContext(step.Iteration)
		if err := r.def.contextUpdated(ctx, hc); err != nil {
			return false, fmt.Errorf("on context updated: %w", err)
		}
		if err := r.trace(ctx, r.contextRecord()); err != nil {
			return false, err
		}
	}

	in, rx, err := r.buildInput(ctx, hc, step)
	if err != nil {
		return false, err
	}

	reactStarted := time.Now()
	out, err := rx.React(ctx, in)
	latency := time.Since(reactStarted)
	if err == nil && out == nil {
		err = errors.New("reactor returned no reaction")
	}
	r.logReactor(out, latency, err)
	if err != nil {
		return false, &core.ReactorError{Reactor: r.def.Key, Err: err}
	}
	if err := r.recordLLM(ctx, step, out, latency); err != nil {
		return false, err
	}

	parts := core.CloneParts(out.AssistantItem.Content.Parts)
	if parts == nil {
		parts = []core.Part{}
	}
	toolCalls := out.ToolCalls
	if toolCalls == nil {
		toolCalls = core.ExtractToolCalls(parts)
	}

	stepParts := core.NewStepParts(step.ID, parts)
	if err := r.saveParts(ctx, step.ID, stepParts, false); err != nil {
		return false, err
	}
	if err := r.saveReaction(ctx, hc, out.AssistantItem, parts); err != nil {
		return false, err
	}

	turn := Turn{
		HookContext:  hc,
		TriggerItem:  r.trigger,
		ReactionItem: r.reaction.Clone(),
		ToolCalls:    toolCalls,
	}
	results := []core.ToolExecutionResult{}

	if len(toolCalls) == 0 {
		end, err := r.def.ends(ctx, turn)
		if err != nil {
			return false, fmt.Errorf("on end: %w", err)
		}
		if end {
			return false, r.completeStep(ctx, step, toolCalls, results, false)
		}
	} else {
		results = r.runActions(ctx, step, hc, in.Actions, toolCalls)
		if err := r.applyResults(ctx, stepParts, results); err != nil {
			return false, err
		}
		turn.Results = results
		turn.ReactionItem = r.reaction.Clone()
	}

	cont, err := r.def.shouldContinue(ctx, turn)
	if err != nil {
		return false, fmt.Errorf("should continue: %w", err)
	}
	return cont, r.completeStep(ctx, step, toolCalls, results, cont)
}

// buildInput resolves prompt, actions, model, reactor and history for one
// iteration.
func (r *run) buildInput(ctx context.Context, hc HookContext, step *core.Step) (reactor.Input, reactor.Reactor, error) {
	st := r.eng.opts.Store

	prompt, err := r.def.systemPrompt(ctx, hc)
	if err != nil {
		return reactor.Input{}, nil, fmt.Errorf("build system prompt: %w", err)
	}
	actions, err := r.def.actions(ctx, hc)
	if err != nil {
		return reactor.Input{}, nil, fmt.Errorf("build actions: %w", err)
	}
	rx, err := r.def.reactor(hc)
	if err != nil {
		return reactor.Input{}, nil, err
	}
	items, err := st.GetItems(ctx, r.context.Identifier())
	if err != nil {
		return reactor.Input{}, nil, core.NewStoreError("getItems", err)
	}
	items, err = r.def.expandItems(ctx, hc, items)
	if err != nil {
		return reactor.Input{}, nil, fmt.Errorf("expand items: %w", err)
	}
	messages, err := st.ItemsToModelMessages(ctx, items)
	if err != nil {
		return reactor.Input{}, nil, core.NewStoreError("itemsToModelMessages", err)
	}

	eventID := r.reactionID
	if r.policy == EventIDPerStep {
		eventID = step.EventID
	}
	return reactor.Input{
		Env:               r.params.Env,
		Context:           hc.Context,
		ContextIdentifier: r.context.Identifier(),
		TriggerItem:       r.trigger.Clone(),
		Model:             r.def.model(hc),
		SystemPrompt:      prompt,
		Actions:           actions,
		ToolsForModel:     actions.ModelTools(),
		Messages:          messages,
		EventID:           eventID,
		ExecutionID:       r.execution.ID,
		ContextID:         r.context.ID,
		StepID:            step.ID,
		Iteration:         step.Iteration,
		MaxModelSteps:     r.maxModelSteps,
		SendStart:         step.Iteration == 0,
		Silent:            r.silent,
		Stream:            r.chunkWriter(step.ID),
	}, rx, nil
}

// saveParts upserts step parts and reports each as created or updated.
func (r *run) saveParts(ctx context.Context, stepID string, parts []core.StepPart, updated bool) error {
	if len(parts) == 0 {
		return nil
	}
	if err := r.eng.opts.Store.SaveStepParts(ctx, stepID, parts); err != nil {
		return core.NewStoreError("saveStepParts", err)
	}
	records := make([]trace.Record, 0, len(parts))
	for _, p := range parts {
		if updated {
			r.emit(ctx, stream.PartUpdated(p))
		} else {
			r.emit(ctx, stream.PartCreated(p))
		}
		records = append(records, partRecord(r.execution.ID, p))
	}
	return r.trace(ctx, records...)
}

// saveReaction persists the execution's reaction item. The first iteration
// creates it and moves it to pending; later iterations append their parts.
func (r *run) saveReaction(ctx context.Context, hc HookContext, assistant core.Item, parts []core.Part) error {
	st := r.eng.opts.Store
	ident := r.context.Identifier()

	if r.reaction == nil {
		item := assistant.Clone()
		item.ID = r.reactionID
		item.Status = ""
		item.Content.Parts = core.CloneParts(parts)
		if item.Type == "" {
			item.Type = core.ItemTypeOutputText
		}
		if item.Channel == "" {
			item.Channel = r.trigger.Channel
		}
		if !item.CreatedAt.After(r.trigger.CreatedAt) {
			item.CreatedAt = r.trigger.CreatedAt.Add(time.Microsecond)
		}
		saved, err := st.SaveItem(ctx, ident, item)
		if err != nil {
			return core.NewStoreError("saveItem", err)
		}
		r.emit(ctx, stream.ItemCreated(saved, r.context.ID, r.thread.ID, r.execution.ID))
		if err := st.LinkItemToExecution(ctx, saved.ID, r.execution.ID); err != nil {
			return core.NewStoreError("linkItemToExecution", err)
		}

		next := saved.Clone()
		next.Status = core.ItemStatusPending
		pending, err := st.UpdateItem(ctx, saved.ID, next)
		if err != nil {
			return core.NewStoreError("updateItem", err)
		}
		r.reaction = pending
		r.emit(ctx, stream.ItemStatusChanged(saved.ID, r.execution.ID, saved.Status, core.ItemStatusPending))
		if err := r.def.itemCreated(ctx, hc, pending.Clone()); err != nil {
			return fmt.Errorf("on item created: %w", err)
		}
		return r.trace(ctx, itemRecord(*pending, r.execution.ID))
	}

	next := r.reaction.Clone()
	next.Content.Parts = append(next.Content.Parts, core.CloneParts(parts)...)
	updated, err := st.UpdateItem(ctx, next.ID, next)
	if err != nil {
		return core.NewStoreError("updateItem", err)
	}
	r.reaction = updated
	return nil
}

// runActions executes the tool calls of one reaction. Failures become error
// results; they never abort the loop.
func (r *run) runActions(ctx context.Context, step *core.Step, hc HookContext, actions action.Set, calls []core.ToolCall) []core.ToolExecutionResult {
	r.chunk(ctx, step.ID, stream.ChunkContextSubstate, stream.SubstateData(stream.SubstateActions))

	started := time.Now()
	results := r.eng.opts.Executor.Execute(ctx, action.Batch{
		Actions: actions,
		Calls:   calls,
		Scope: action.ActionContext{
			ExecutionID: r.execution.ID,
			StepID:      step.ID,
			ContextID:   r.context.ID,
			EventID:     r.reactionID,
			Context:     hc.Context,
			Env:         r.params.Env,
			Logger:      r.logger,
		},
		OnReview: func(ctx context.Context, rv action.Review) {
			_ = r.trace(ctx, trace.Record{
				EventID:    trace.ReviewEventID(rv.ExecutionID, rv.ToolCallID),
				EventKind:  trace.KindThreadReview,
				StepID:     rv.StepID,
				ToolCallID: rv.ToolCallID,
				Payload:    rv,
			})
		},
	})

	tl, _ := r.logger.(*logging.ThreadLogger)
	for _, res := range results {
		if res.Success {
			r.chunk(ctx, step.ID, stream.ChunkToolOutputAvailable, stream.ToolOutputData(res.ToolCallID, res.Output))
		} else {
			r.chunk(ctx, step.ID, stream.ChunkToolOutputError, stream.ToolErrorData(res.ToolCallID, res.ErrorText))
		}
		r.eng.opts.Metrics.RecordAction(ctx, res.ToolName, res.Success)
		if tl != nil {
			var err error
			if !res.Success {
				err = errors.New(res.ErrorText)
			}
			tl.LogActionCall(res.ToolName, time.Since(started), err)
		}
		r.def.actionExecuted(ctx, hc, res)
	}

	r.chunk(ctx, step.ID, stream.ChunkContextSubstate, stream.SubstateData(""))
	return results
}

// applyResults settles tool parts on the step and on the reaction item.
func (r *run) applyResults(ctx context.Context, stepParts []core.StepPart, results []core.ToolExecutionResult) error {
	changed := make([]core.StepPart, 0, len(results))
	for _, sp := range stepParts {
		res, ok := resultFor(sp.Part, results)
		if !ok {
			continue
		}
		sp.Part = core.ApplyToolExecutionResult([]core.Part{sp.Part}, res)[0]
		sp.Type = sp.Part.Type()
		changed = append(changed, sp)
	}
	if len(changed) > 0 {
		if err := r.saveParts(ctx, changed[0].StepID, changed, true); err != nil {
			return err
		}
	}

	next := r.reaction.Clone()
	for _, res := range results {
		next.Content.Parts = core.ApplyToolExecutionResult(next.Content.Parts, res)
	}
	updated, err := r.eng.opts.Store.UpdateItem(ctx, next.ID, next)
	if err != nil {
		return core.NewStoreError("updateItem", err)
	}
	r.reaction = updated
	return nil
}

func resultFor(p core.Part, results []core.ToolExecutionResult) (core.ToolExecutionResult, bool) {
	if !p.IsTool() {
		return core.ToolExecutionResult{}, false
	}
	for _, res := range results {
		if res.ToolName == p.ToolName() && res.ToolCallID == p.String("toolCallId") {
			return res, true
		}
	}
	return core.ToolExecutionResult{}, false
}

// completeStep traces the step before persisting its terminal status, so
// that any error returned leaves the step running for failStep.
func (r *run) completeStep(ctx context.Context, step *core.Step, calls []core.ToolCall, results []core.ToolExecutionResult, cont bool) error {
	status := core.StepStatusCompleted
	if calls == nil {
		calls = []core.ToolCall{}
	}
	if err := r.trace(ctx, stepRecord(step, status, map[string]any{
		"toolCalls":            calls,
		"toolExecutionResults": results,
		"continueLoop":         cont,
	})); err != nil {
		return err
	}
	err := r.eng.opts.Store.UpdateStep(ctx, step.ID, core.StepPatch{
		Status:               &status,
		ToolCalls:            calls,
		ToolExecutionResults: results,
		ContinueLoop:         &cont,
	})
	if err != nil {
		return core.NewStoreError("updateStep", err)
	}
	r.emit(ctx, stream.StepStatusChanged(step.ID, step.ExecutionID, core.StepStatusRunning, status))
	return nil
}

// failStep marks a step failed. Errors here are logged: the execution is
// already failing with the original cause.
func (r *run) failStep(ctx context.Context, step *core.Step, cause error) {
	ctx = context.WithoutCancel(ctx)
	status := core.StepStatusFailed
	text := core.ErrorText(cause)
	if err := r.eng.opts.Store.UpdateStep(ctx, step.ID, core.StepPatch{Status: &status, ErrorText: &text}); err != nil {
		r.logger.Error("thread.step.fail_failed", "step_id", step.ID, "error", err.Error())
		return
	}
	r.emit(ctx, stream.StepStatusChanged(step.ID, step.ExecutionID, core.StepStatusRunning, status))
	r.eng.opts.Metrics.RecordStep(ctx, r.def.Key, string(status))
	_ = r.trace(ctx, stepRecord(step, status, map[string]any{"errorText": text}))
}

func (r *run) recordLLM(ctx context.Context, step *core.Step, out *reactor.Output, latency time.Duration) error {
	llm := out.LLM
	if llm == nil {
		return nil
	}
	r.eng.opts.Metrics.RecordReactor(ctx, llm.Provider, llm.Model, latency, llm.TotalTokens)
	rec := trace.Record{
		EventID:    trace.LLMEventID(step.ID),
		EventKind:  trace.KindThreadLLM,
		StepID:     step.ID,
		AIProvider: llm.Provider,
		AIModel:    llm.Model,
		LatencyMs:  llm.LatencyMs,
		Payload:    llm.Extra,
	}.WithUsage(llm.Usage)
	return r.trace(ctx, rec)
}

func (r *run) logReactor(out *reactor.Output, latency time.Duration, err error) {
	tl, ok := r.logger.(*logging.ThreadLogger)
	if !ok {
		if err != nil {
			r.logger.Error("thread.reactor.failed", "error", err.Error())
		}
		return
	}
	var provider, model string
	var tokens int
	if out != nil && out.LLM != nil {
		provider, model, tokens = out.LLM.Provider, out.LLM.Model, out.LLM.TotalTokens
	}
	tl.LogReactorCall(provider, model, tokens, latency, err)
}
