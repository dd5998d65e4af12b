package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/stream"
	"github.com/hupe1980/threadmesh/trace"
)

var (
	// ErrContextClosed is returned when a trigger targets a closed context.
	ErrContextClosed = errors.New("context is closed")
	// ErrSinkRequired is returned by Stream when no sink is configured.
	ErrSinkRequired = errors.New("stream requires a sink")
)

// Engine drives thread executions: it resolves the thread and context a
// trigger belongs to, runs the reactor loop of a Definition and persists
// every state transition through the configured core.Store.
//
// An Engine holds no per-execution state and is safe for concurrent use.
// Executions on different contexts run fully in parallel; the engine takes
// no global lock.
type Engine struct {
	opts Options

	// ids of the executions this engine is currently running
	live sync.Map
}

// New creates an Engine. Without options it persists into an in-memory
// store and logs nothing.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Store = store
//	    o.MaxIterations = 8
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.complete()
	return &Engine{opts: opts}
}

// Store returns the persistence layer the engine writes to.
func (e *Engine) Store() core.Store { return e.opts.Store }

// React runs one execution of def for trigger and returns its identifiers.
//
// Events are written to p.Options.Sink when one is set. A failed execution
// returns its Result together with the error, so callers can still address
// the failed turn. Every step and the execution itself have reached a
// terminal status by the time React returns.
//
// Example:
//
//	res, err := eng.React(ctx, def, core.Item{
//	    Type:    core.ItemTypeInputText,
//	    Content: core.ItemContent{Parts: []core.Part{core.NewTextPart("ping")}},
//	}, engine.Params{Context: &core.Identifier{Key: "support:42"}})
func (e *Engine) React(ctx context.Context, def *Definition, trigger core.Item, p Params) (*Result, error) {
	return e.execute(ctx, def, trigger, p)
}

// Stream is React with a mandatory sink. Every lifecycle event and chunk
// has been handed to the sink before Stream returns.
func (e *Engine) Stream(ctx context.Context, def *Definition, trigger core.Item, p Params) (*Result, error) {
	if p.Options.Sink == nil {
		return nil, ErrSinkRequired
	}
	return e.execute(ctx, def, trigger, p)
}

func (e *Engine) execute(ctx context.Context, def *Definition, trigger core.Item, p Params) (*Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if p.Context != nil {
		if err := p.Context.Validate(); err != nil {
			return nil, err
		}
	}

	r := e.newRun(def, p)
	defer func() {
		if r.sink != nil && !p.Options.PreventClose {
			if cerr := r.sink.Close(); cerr != nil && !errors.Is(cerr, stream.ErrSinkClosed) {
				r.logger.Warn("thread.stream.close_failed", "error", cerr.Error())
			}
		}
	}()

	if err := r.start(ctx, trigger); err != nil {
		if r.execution == nil {
			r.abort(ctx)
			return nil, err
		}
		return r.finalize(ctx, core.ExecutionStatusFailed, err)
	}

	loopErr := r.loop(ctx)
	status := core.ExecutionStatusCompleted
	if loopErr != nil {
		status = core.ExecutionStatusFailed
	}
	return r.finalize(ctx, status, loopErr)
}

func (e *Engine) newRun(def *Definition, p Params) *run {
	o := p.Options
	r := &run{
		eng:        e,
		def:        def,
		params:     p,
		logger:     e.opts.Logger,
		sink:       o.Sink,
		silent:     o.Silent,
		sendFinish: e.opts.SendFinish,
		policy:     e.opts.EventIDPolicy,
		runID:      o.RunID,
		startedAt:  time.Now(),
	}
	if o.SendFinish != nil {
		r.sendFinish = *o.SendFinish
	}
	if o.EventIDPolicy != "" {
		r.policy = o.EventIDPolicy
	}

	switch {
	case o.MaxIterations != nil:
		r.maxIterations = *o.MaxIterations
	case def.MaxIterations > 0:
		r.maxIterations = def.MaxIterations
	default:
		r.maxIterations = e.opts.MaxIterations
	}
	r.maxIterations = max(r.maxIterations, 0)

	switch {
	case o.MaxModelSteps > 0:
		r.maxModelSteps = o.MaxModelSteps
	case def.MaxModelSteps > 0:
		r.maxModelSteps = def.MaxModelSteps
	default:
		r.maxModelSteps = e.opts.MaxModelSteps
	}
	return r
}

// start resolves the context and thread, persists the trigger and opens
// the execution.
func (r *run) start(ctx context.Context, trigger core.Item) error {
	st := r.eng.opts.Store

	c, contextCreated, threadCreated, err := r.resolveContext(ctx)
	if err != nil {
		return err
	}
	r.context = c
	t, err := st.GetThread(ctx, core.ByID(c.ThreadID))
	if err != nil {
		return core.NewStoreError("getThread", err)
	}
	if t == nil {
		return core.NewStoreError("getThread", fmt.Errorf("thread %s of context %s: %w", c.ThreadID, c.ID, core.ErrNotFound))
	}
	r.thread = t
	r.logger = scopedLogger(r.eng.opts.Logger, c.ID, "")

	if contextCreated {
		r.emit(ctx, stream.ContextCreated(c))
	} else {
		r.emit(ctx, stream.ContextResolved(c))
	}
	if threadCreated {
		r.emit(ctx, stream.ThreadCreated(t))
	} else {
		r.emit(ctx, stream.ThreadResolved(t))
	}
	r.chunk(ctx, "", stream.ChunkContextID, stream.ContextIDData(c.ID))
	if err := r.trace(ctx, r.contextRecord()); err != nil {
		return err
	}
	if contextCreated {
		if err := r.def.contextCreated(ctx, r.hookContext(0)); err != nil {
			return fmt.Errorf("on context created: %w", err)
		}
	}

	if c.Status == core.ContextStatusClosed {
		return fmt.Errorf("%w: %s", ErrContextClosed, c.ID)
	}
	if err := r.recoverStale(ctx); err != nil {
		return err
	}
	t = r.thread
	c = r.context
	if t.Status == core.ThreadStatusFailed {
		if err := st.UpdateThreadStatus(ctx, core.ByID(t.ID), core.ThreadStatusOpen); err != nil {
			return core.NewStoreError("updateThreadStatus", err)
		}
		r.emit(ctx, stream.ThreadStatusChanged(t.ID, t.Status, core.ThreadStatusOpen))
		t.Status = core.ThreadStatusOpen
	}
	if err := st.UpdateContextStatus(ctx, c.Identifier(), core.ContextStatusStreaming); err != nil {
		return core.NewStoreError("updateContextStatus", err)
	}
	if c.Status != core.ContextStatusStreaming {
		r.emit(ctx, stream.ContextStatusChanged(c.ID, c.ThreadID, c.Status, core.ContextStatusStreaming))
		c.Status = core.ContextStatusStreaming
		r.streaming = true
	}
	if t.Status != core.ThreadStatusStreaming {
		r.emit(ctx, stream.ThreadStatusChanged(t.ID, t.Status, core.ThreadStatusStreaming))
		t.Status = core.ThreadStatusStreaming
	}

	saved, err := st.SaveItem(ctx, c.Identifier(), normalizeTrigger(trigger))
	if err != nil {
		return core.NewStoreError("saveItem", err)
	}
	r.trigger = *saved
	r.emit(ctx, stream.ItemCreated(saved, c.ID, t.ID, ""))
	if err := r.def.itemCreated(ctx, r.hookContext(0), *saved); err != nil {
		return fmt.Errorf("on item created: %w", err)
	}

	r.reactionID = core.NewID()
	exec, err := st.CreateExecution(ctx, c.Identifier(), saved.ID, r.reactionID)
	if err != nil {
		return core.NewStoreError("createExecution", err)
	}
	r.execution = exec
	r.eng.live.Store(exec.ID, struct{}{})
	c.CurrentExecutionID = exec.ID
	if r.runID == "" {
		r.runID = exec.ID
	}
	r.logger = scopedLogger(r.eng.opts.Logger, c.ID, exec.ID)
	r.emit(ctx, stream.ExecutionCreated(exec))

	if err := st.LinkItemToExecution(ctx, saved.ID, exec.ID); err != nil {
		return core.NewStoreError("linkItemToExecution", err)
	}
	r.chunk(ctx, "", stream.ChunkThreadPing, stream.PingData("thread-start"))

	r.logger.Info("thread.execution.started", "thread_key", r.def.Key, "trigger_item_id", saved.ID, "max_iterations", r.maxIterations)
	return r.trace(ctx,
		trace.Record{
			EventID:   trace.RunEventID(exec.ID),
			EventKind: trace.KindThreadRun,
			EventAt:   exec.CreatedAt,
			Payload: map[string]any{
				"threadKey":      r.def.Key,
				"threadId":       t.ID,
				"triggerItemId":  saved.ID,
				"reactionItemId": r.reactionID,
				"maxIterations":  r.maxIterations,
			},
		},
		trace.Record{
			EventID:   trace.ExecutionEventID(exec.ID),
			EventKind: trace.KindThreadExecution,
			EventAt:   exec.CreatedAt,
			Payload:   map[string]any{"status": string(exec.Status)},
		},
		itemRecord(r.trigger, exec.ID),
	)
}

// recoverStale fails the context's current execution when it is still
// executing without a live owner in this engine, e.g. after a crash. The
// context and thread are reloaded afterwards.
func (r *run) recoverStale(ctx context.Context) error {
	st := r.eng.opts.Store
	id := r.context.CurrentExecutionID
	if !r.eng.opts.RecoverStaleExecutions || id == "" {
		return nil
	}
	if _, owned := r.eng.live.Load(id); owned {
		return nil
	}
	stale, err := st.GetExecution(ctx, id)
	if err != nil {
		return core.NewStoreError("getExecution", err)
	}
	if stale == nil || stale.Status != core.ExecutionStatusExecuting {
		return nil
	}
	if err := st.CompleteExecution(ctx, r.context.Identifier(), id, core.ExecutionStatusFailed); err != nil {
		return core.NewStoreError("completeExecution", err)
	}
	r.logger.Warn("thread.execution.recovered", "execution_id", id)
	r.emit(ctx, stream.ExecutionStatusChanged(stale, stale.Status, core.ExecutionStatusFailed))

	c, err := st.GetContext(ctx, r.context.Identifier())
	if err != nil {
		return core.NewStoreError("getContext", err)
	}
	t, err := st.GetThread(ctx, core.ByID(r.thread.ID))
	if err != nil {
		return core.NewStoreError("getThread", err)
	}
	if c != nil {
		if c.Status != r.context.Status {
			r.emit(ctx, stream.ContextStatusChanged(c.ID, c.ThreadID, r.context.Status, c.Status))
		}
		r.context = c
	}
	if t != nil {
		if t.Status != r.thread.Status {
			r.emit(ctx, stream.ThreadStatusChanged(t.ID, r.thread.Status, t.Status))
		}
		r.thread = t
	}
	return r.trace(ctx, trace.Record{
		EventID:     trace.ExecutionStatusEventID(id, core.ExecutionStatusFailed),
		EventKind:   trace.KindThreadExecution,
		ExecutionID: id,
		Payload:     map[string]any{"status": string(core.ExecutionStatusFailed), "errorText": "stale execution recovered"},
	})
}

// resolveContext looks the context up before creating it so the caller
// can tell created from resolved records.
func (r *run) resolveContext(ctx context.Context) (c *core.Context, contextCreated, threadCreated bool, err error) {
	st := r.eng.opts.Store
	ident := r.params.Context
	if ident != nil {
		c, err = st.GetContext(ctx, *ident)
		if err != nil {
			return nil, false, false, core.NewStoreError("getContext", err)
		}
		if c != nil {
			return c, false, false, nil
		}
	}

	threadExisted := false
	if ident != nil && ident.Key != "" {
		t, err := st.GetThread(ctx, core.ByKey(ident.Key))
		if err != nil {
			return nil, false, false, core.NewStoreError("getThread", err)
		}
		threadExisted = t != nil
	}
	c, err = st.GetOrCreateContext(ctx, ident)
	if err != nil {
		return nil, false, false, core.NewStoreError("getOrCreateContext", err)
	}
	return c, true, !threadExisted, nil
}

// abort returns a context left streaming by a start that failed before
// its execution existed.
func (r *run) abort(ctx context.Context) {
	if !r.streaming {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.eng.opts.Store.UpdateContextStatus(ctx, r.context.Identifier(), core.ContextStatusOpen); err != nil {
		r.logger.Error("thread.execution.abort_failed", "error", err.Error())
		return
	}
	r.emit(ctx, stream.ContextStatusChanged(r.context.ID, r.context.ThreadID, core.ContextStatusStreaming, core.ContextStatusOpen))
	if r.thread != nil {
		r.emit(ctx, stream.ThreadStatusChanged(r.thread.ID, r.thread.Status, core.ThreadStatusOpen))
	}
}

// finalize settles the reaction item, the execution, the context and the
// thread. It runs detached from ctx cancellation so that nothing is left
// in a non-terminal status.
func (r *run) finalize(ctx context.Context, status core.ExecutionStatus, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	st := r.eng.opts.Store
	exec := r.execution
	defer r.eng.live.Delete(exec.ID)
	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}

	if r.reaction != nil && r.reaction.Status != core.ItemStatusCompleted {
		from := r.reaction.Status
		next := r.reaction.Clone()
		next.Status = core.ItemStatusCompleted
		updated, err := st.UpdateItem(ctx, next.ID, next)
		if err != nil {
			errs = append(errs, core.NewStoreError("updateItem", err))
		} else {
			r.reaction = updated
			r.emit(ctx, stream.ItemStatusChanged(updated.ID, exec.ID, from, core.ItemStatusCompleted))
			if err := r.trace(ctx, itemRecord(*updated, exec.ID)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if status == core.ExecutionStatusCompleted && r.def.CloseOnComplete {
		if err := st.UpdateContextStatus(ctx, r.context.Identifier(), core.ContextStatusClosed); err != nil {
			errs = append(errs, core.NewStoreError("updateContextStatus", err))
		}
	}
	if err := st.CompleteExecution(ctx, r.context.Identifier(), exec.ID, status); err != nil {
		errs = append(errs, core.NewStoreError("completeExecution", err))
	} else {
		r.emit(ctx, stream.ExecutionStatusChanged(exec, exec.Status, status))
		exec.Status = status
	}

	if c, err := st.GetContext(ctx, r.context.Identifier()); err != nil {
		errs = append(errs, core.NewStoreError("getContext", err))
	} else if c != nil {
		if c.Status != r.context.Status {
			r.emit(ctx, stream.ContextStatusChanged(c.ID, c.ThreadID, r.context.Status, c.Status))
		}
		r.context = c
	}
	if t, err := st.GetThread(ctx, core.ByID(r.thread.ID)); err != nil {
		errs = append(errs, core.NewStoreError("getThread", err))
	} else if t != nil {
		if t.Status != r.thread.Status {
			r.emit(ctx, stream.ThreadStatusChanged(t.ID, r.thread.Status, t.Status))
		}
		r.thread = t
	}
	r.emit(ctx, stream.ThreadFinished(exec, status))
	if r.sendFinish {
		r.chunk(ctx, "", stream.ChunkFinish, map[string]any{"messageId": r.reactionID})
	}

	payload := map[string]any{"status": string(status), "iterations": r.iterations}
	if cause != nil {
		payload["errorText"] = core.ErrorText(cause)
	}
	if err := r.trace(ctx,
		trace.Record{
			EventID:   trace.ExecutionStatusEventID(exec.ID, status),
			EventKind: trace.KindThreadExecution,
			Payload:   payload,
		},
		r.contextRecord(),
	); err != nil {
		errs = append(errs, err)
	}

	elapsed := time.Since(r.startedAt)
	r.eng.opts.Metrics.RecordExecution(ctx, r.def.Key, string(status), elapsed)
	if cause != nil {
		r.logger.Error("thread.execution.failed", "iterations", r.iterations, "duration_ms", elapsed.Milliseconds(), "error", cause.Error())
	} else {
		r.logger.Info("thread.execution.completed", "iterations", r.iterations, "duration_ms", elapsed.Milliseconds())
	}

	res := &Result{
		ContextID:     r.context.ID,
		ThreadID:      r.thread.ID,
		Context:       r.context.Clone(),
		TriggerItemID: r.trigger.ID,
		ExecutionID:   exec.ID,
		Status:        status,
		Iterations:    r.iterations,
	}
	if r.reaction != nil {
		res.ReactionItemID = r.reaction.ID
	}
	return res, errors.Join(errs...)
}

func normalizeTrigger(item core.Item) core.Item {
	out := item.Clone()
	if out.ID == "" {
		out.ID = core.NewID()
	}
	if out.Type == "" {
		out.Type = core.ItemTypeInputText
	}
	if out.Channel == "" {
		out.Channel = core.ChannelWeb
	}
	if out.Content.Parts == nil {
		out.Content.Parts = []core.Part{}
	}
	return out
}

func scopedLogger(l logging.Logger, contextID, executionID string) logging.Logger {
	if tl, ok := l.(*logging.ThreadLogger); ok {
		return tl.WithComponent("engine").WithExecution(contextID, executionID)
	}
	return l
}
