package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/stream"
)

// ErrRunNotFound is returned by Cancel for unknown or finished runs.
var ErrRunNotFound = errors.New("run not found")

// Options holds configuration overrides passed to New().
type Options struct {
	// MaxConcurrentExecutions bounds executions running at the same time
	// across all threads. Zero or less means unbounded.
	MaxConcurrentExecutions int
	// EventBufferSize sets channel buffering for events.
	EventBufferSize int
	// Logging services.
	Logger logging.Logger
}

// ExecutionRef identifies an invocation before its execution exists.
// RunID doubles as the trace run id of the execution.
type ExecutionRef struct {
	RunID     string `json:"runId"`
	ThreadKey string `json:"threadKey"`
}

// Runner starts executions asynchronously and hands their event streams to
// callers. Public methods are safe for concurrent use.
type Runner struct {
	engine   *engine.Engine
	registry *registry.Registry

	sem             chan struct{}
	eventBufferSize int
	logger          logging.Logger

	activeRuns map[string]context.CancelFunc
	mu         sync.Mutex
}

// New constructs a Runner with optional overrides.
func New(eng *engine.Engine, reg *registry.Registry, optFns ...func(o *Options)) *Runner {
	opts := Options{
		MaxConcurrentExecutions: 10,
		EventBufferSize:         100,
		Logger:                  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Runner{
		engine:          eng,
		registry:        reg,
		eventBufferSize: max(opts.EventBufferSize, 0),
		logger:          logging.OrNoOp(opts.Logger),
		activeRuns:      make(map[string]context.CancelFunc),
	}
	if opts.MaxConcurrentExecutions > 0 {
		r.sem = make(chan struct{}, opts.MaxConcurrentExecutions)
	}
	return r
}

// Invoke starts an execution of the thread registered under key.
//
// The events channel is closed once the execution has finished. The error
// channel yields at most one error (the execution's failure) and is closed
// afterwards. Both channels must be drained, or the run cancelled, for the
// execution to make progress: the event channel is bounded.
//
// Any sink in p.Options is replaced by the runner's channel sink.
func (r *Runner) Invoke(ctx context.Context, key string, trigger core.Item, p engine.Params) (ExecutionRef, <-chan stream.Event, <-chan error, error) {
	def, err := r.registry.Get(key)
	if err != nil {
		return ExecutionRef{}, nil, nil, err
	}

	runID := p.Options.RunID
	if runID == "" {
		runID = core.NewID()
	}
	ref := ExecutionRef{RunID: runID, ThreadKey: key}

	sink := stream.NewChannelSink(r.eventBufferSize)
	p.Options.Sink = sink
	p.Options.RunID = runID
	p.Options.PreventClose = false

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if _, exists := r.activeRuns[runID]; exists {
		r.mu.Unlock()
		cancel()
		return ExecutionRef{}, nil, nil, fmt.Errorf("run %s is already active", runID)
	}
	r.activeRuns[runID] = cancel
	r.mu.Unlock()

	errorsCh := make(chan error, 1)

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.activeRuns, runID)
			r.mu.Unlock()
			close(errorsCh)
		}()

		if err := r.acquire(ctx); err != nil {
			_ = sink.Close()
			errorsCh <- fmt.Errorf("run %s not started: %w", runID, err)
			return
		}
		defer r.release()

		r.logger.Debug("runner.run.started", "run_id", runID, "thread_key", key)
		res, err := r.engine.Stream(ctx, def, trigger, p)
		if err != nil {
			r.logger.Warn("runner.run.failed", "run_id", runID, "thread_key", key, "error", err.Error())
			errorsCh <- fmt.Errorf("thread %s: %w", key, err)
			return
		}
		r.logger.Debug("runner.run.finished", "run_id", runID, "execution_id", res.ExecutionID, "status", string(res.Status))
	}()

	return ref, sink.Events(), errorsCh, nil
}

// Cancel aborts a running invocation. The execution still reaches a
// terminal status; it fails with the cancellation cause.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	cancel, exists := r.activeRuns[runID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	cancel()

	return nil
}

// Active returns the number of invocations that have not finished.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeRuns)
}

func (r *Runner) acquire(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release() {
	if r.sem != nil {
		<-r.sem
	}
}
