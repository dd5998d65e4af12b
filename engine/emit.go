package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/reactor"
	"github.com/hupe1980/threadmesh/stream"
	"github.com/hupe1980/threadmesh/trace"
)

// run is the state of one React or Stream call.
type run struct {
	eng    *Engine
	def    *Definition
	params Params
	logger logging.Logger

	sink       stream.Sink
	sinkBroken bool
	silent     bool
	sendFinish bool
	policy     EventIDPolicy
	runID      string

	maxIterations int
	maxModelSteps int

	thread    *core.Thread
	context   *core.Context
	trigger   core.Item
	execution *core.Execution

	// streaming is set once this run moved the context to streaming.
	streaming  bool
	reactionID string
	reaction   *core.Item
	iterations int
	startedAt  time.Time

	traceMu sync.Mutex
	pending []trace.Record
}

func (r *run) hookContext(iteration int) HookContext {
	hc := HookContext{Context: r.context.Clone(), Env: r.params.Env, Iteration: iteration}
	if r.execution != nil {
		hc.ExecutionID = r.execution.ID
	}
	return hc
}

// emit writes one event to the sink. Sink failures detach the sink for the
// rest of the run; persistence carries on.
func (r *run) emit(ctx context.Context, ev stream.Event) {
	if r.silent || r.sink == nil || r.sinkBroken {
		return
	}
	if err := r.sink.Send(ctx, ev); err != nil {
		r.sinkBroken = true
		r.logger.Warn("thread.stream.write_failed", "type", string(ev.Type), "error", err.Error())
		return
	}
	r.eng.opts.Metrics.RecordEvent(ctx, string(ev.Type))
}

func (r *run) chunk(ctx context.Context, stepID, chunkType string, data any) {
	var execID string
	if r.execution != nil {
		execID = r.execution.ID
	}
	r.emit(ctx, stream.ChunkEmitted(chunkType, r.context.ID, execID, stepID, data))
}

// chunkWriter hands reactors a writer bound to the current step.
func (r *run) chunkWriter(stepID string) reactor.ChunkWriter {
	return reactor.ChunkWriterFunc(func(ctx context.Context, chunkType string, data any) error {
		r.chunk(ctx, stepID, chunkType, data)
		return nil
	})
}

// trace persists records under the run id. Records raised before the
// execution exists are held back until the run id is known. Recorder
// failures only surface when the recorder is strict.
func (r *run) trace(ctx context.Context, records ...trace.Record) error {
	if r.eng.opts.Trace == nil {
		return nil
	}
	r.traceMu.Lock()
	r.pending = append(r.pending, records...)
	if r.runID == "" {
		r.traceMu.Unlock()
		return nil
	}
	batch := r.pending
	r.pending = nil
	r.traceMu.Unlock()

	for i := range batch {
		batch[i].WorkflowRunID = r.runID
		if batch[i].ContextID == "" && r.context != nil {
			batch[i].ContextID = r.context.ID
		}
		if batch[i].ExecutionID == "" && r.execution != nil {
			batch[i].ExecutionID = r.execution.ID
		}
		if batch[i].ContextEventID == "" && r.context != nil {
			batch[i].ContextEventID = trace.ContextEventID(r.context.ID)
		}
		if batch[i].ContextKey == "" && r.context != nil {
			batch[i].ContextKey = r.context.Key
		}
	}
	return r.eng.opts.Trace.Record(ctx, batch...)
}

func (r *run) contextRecord() trace.Record {
	return trace.Record{
		EventID:   trace.ContextEventID(r.context.ID),
		EventKind: trace.KindThreadContext,
		EventAt:   r.context.CreatedAt,
		Payload: map[string]any{
			"threadId": r.context.ThreadID,
			"status":   string(r.context.Status),
			"content":  r.context.Content,
		},
	}
}

func itemRecord(item core.Item, executionID string) trace.Record {
	return trace.Record{
		EventID:     trace.ItemEventID(item.ID),
		EventKind:   trace.KindThreadItem,
		EventAt:     item.CreatedAt,
		ExecutionID: executionID,
		Payload:     item,
	}
}

func stepRecord(step *core.Step, status core.StepStatus, extra map[string]any) trace.Record {
	payload := map[string]any{
		"status":    string(status),
		"iteration": step.Iteration,
		"eventId":   step.EventID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	at := step.CreatedAt
	if status.Terminal() {
		at = time.Now().UTC()
	}
	return trace.Record{
		EventID:     trace.StepEventID(step.ID),
		EventKind:   trace.KindThreadStep,
		EventAt:     at,
		ExecutionID: step.ExecutionID,
		StepID:      step.ID,
		SpanID:      step.ID,
		Payload:     payload,
	}
}

func partRecord(executionID string, p core.StepPart) trace.Record {
	idx := p.Idx
	return trace.Record{
		EventID:     trace.PartEventID(p.StepID, p.Idx),
		EventKind:   trace.KindThreadPart,
		ExecutionID: executionID,
		StepID:      p.StepID,
		PartKey:     p.Key,
		PartIdx:     &idx,
		Payload:     p.Part,
	}
}
