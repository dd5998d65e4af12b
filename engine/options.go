package engine

import (
	"fmt"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/store/memstore"
	"github.com/hupe1980/threadmesh/stream"
	"github.com/hupe1980/threadmesh/telemetry"
	"github.com/hupe1980/threadmesh/trace"
)

// EventIDPolicy selects the event id a reactor receives on each iteration.
type EventIDPolicy string

const (
	// EventIDReuse hands every iteration the execution's reaction item id,
	// so a consuming UI sees one growing message.
	EventIDReuse EventIDPolicy = "reuse"
	// EventIDPerStep hands every iteration the event id allocated with its
	// step. Parts are still aggregated onto the reaction item.
	EventIDPerStep EventIDPolicy = "per-step"
)

// ParseEventIDPolicy maps a configuration string onto a policy. An empty
// string selects EventIDReuse.
func ParseEventIDPolicy(s string) (EventIDPolicy, error) {
	switch EventIDPolicy(s) {
	case "", EventIDReuse:
		return EventIDReuse, nil
	case EventIDPerStep:
		return EventIDPerStep, nil
	}
	return "", fmt.Errorf("unknown event id policy %q", s)
}

// DefaultMaxIterations bounds the loop when neither the call, the
// definition nor the engine options say otherwise.
const DefaultMaxIterations = 20

// Options configures an Engine instance using the functional options pattern.
//
// Every field has a working default so that New() alone yields an engine
// backed by an in-memory store:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Store = sqlStore
//	    o.Trace = trace.NewRecorder(traceStore)
//	    o.Logger = logger
//	})
type Options struct {
	// Store persists threads, contexts, items, executions, steps and parts.
	// Defaults to memstore.New().
	Store core.Store

	// Executor runs the tool calls of a reaction. Defaults to an executor
	// without policy gate or approver.
	Executor *action.Executor

	// Trace receives one record per creation and status change. Optional.
	Trace *trace.Recorder

	// Metrics records execution, step, action and reactor measurements.
	// Optional; a nil value records nothing.
	Metrics *telemetry.Metrics

	// MaxIterations is the engine-wide loop bound. Definitions and calls
	// may override it.
	MaxIterations int

	// MaxModelSteps is the engine-wide model call budget per reaction. Zero
	// leaves the reactor's own default in place.
	MaxModelSteps int

	// SendFinish writes a finish chunk before the stream closes.
	SendFinish bool

	// EventIDPolicy decides which event id reactors receive.
	EventIDPolicy EventIDPolicy

	// RecoverStaleExecutions fails a context's current execution at start
	// when it is still executing but no run of this engine owns it. Turn it
	// off when several engines share one store.
	RecoverStaleExecutions bool

	// Logger provides structured logging. Defaults to a no-op logger.
	Logger logging.Logger
}

// ReactOptions are the per-call knobs of React and Stream.
type ReactOptions struct {
	// MaxIterations overrides the loop bound. A pointer distinguishes
	// "unset" from an explicit zero, which runs no iteration at all.
	MaxIterations *int
	// MaxModelSteps overrides the model call budget of every reaction.
	MaxModelSteps int
	// Sink receives every lifecycle event and chunk. Stream requires it.
	Sink stream.Sink
	// PreventClose keeps Sink open after the execution finished.
	PreventClose bool
	// SendFinish overrides Options.SendFinish.
	SendFinish *bool
	// Silent suppresses every sink write. Persistence still happens.
	Silent bool
	// RunID groups trace records. Defaults to the execution id.
	RunID string
	// EventIDPolicy overrides Options.EventIDPolicy.
	EventIDPolicy EventIDPolicy
}

// Params are the arguments of React and Stream besides the trigger.
type Params struct {
	// Env is caller supplied environment handed to every hook and reactor.
	Env map[string]any
	// Context selects the context by id or key. Nil creates an anonymous one.
	Context *core.Identifier
	Options ReactOptions
}

// Result carries the identifiers of a finished execution. It is returned
// alongside the error of a failed execution as well.
type Result struct {
	ContextID      string               `json:"contextId"`
	ThreadID       string               `json:"threadId"`
	Context        *core.Context        `json:"context,omitempty"`
	TriggerItemID  string               `json:"triggerItemId"`
	ReactionItemID string               `json:"reactionItemId,omitempty"`
	ExecutionID    string               `json:"executionId"`
	Status         core.ExecutionStatus `json:"status"`
	Iterations     int                  `json:"iterations"`
}

// IntPtr returns a pointer to v, for ReactOptions.MaxIterations.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v, for ReactOptions.SendFinish.
func BoolPtr(v bool) *bool { return &v }

func defaultOptions() Options {
	return Options{
		MaxIterations:          DefaultMaxIterations,
		SendFinish:             true,
		EventIDPolicy:          EventIDReuse,
		RecoverStaleExecutions: true,
	}
}

func (o *Options) complete() {
	o.Logger = logging.OrNoOp(o.Logger)
	if o.Store == nil {
		o.Store = memstore.New(func(so *memstore.Options) { so.Logger = o.Logger })
	}
	if o.Executor == nil {
		o.Executor = action.NewExecutor(func(eo *action.ExecutorOptions) { eo.Logger = o.Logger })
	}
	if o.EventIDPolicy == "" {
		o.EventIDPolicy = EventIDReuse
	}
}
