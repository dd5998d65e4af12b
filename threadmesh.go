// Package threadmesh provides a high-level façade over the engine, the
// thread registry and the runner. Most applications interact with this
// package by:
//  1. Creating a Mesh via New() (optionally overriding the in-memory store)
//  2. Registering one or more thread definitions
//  3. Reacting synchronously (React, InvokeSync) or streaming (Invoke)
//
// The façade delegates execution to engine.Engine while keeping setup and
// usage ergonomics concise. Production deployments typically supply a
// durable store and a structured logger.
package threadmesh

import (
	"context"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/runner"
	"github.com/hupe1980/threadmesh/store/memstore"
	"github.com/hupe1980/threadmesh/stream"
)

// Options configures the Mesh instance.
type Options struct {
	// Store persists threads, contexts, items, executions and steps.
	// Defaults to an in-memory store.
	Store core.Store

	// Engine is applied on top of the store and logger settings.
	Engine []func(o *engine.Options)

	// MaxConcurrentExecutions limits the streamed executions running at the
	// same time. Excess invocations wait for a slot.
	MaxConcurrentExecutions int

	// EventBufferSize sets the channel buffer of every streamed execution.
	EventBufferSize int

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Mesh aggregates an engine, a registry and a runner.
type Mesh struct {
	engine   *engine.Engine
	registry *registry.Registry
	runner   *runner.Runner
}

// New creates a new Mesh with optional overrides.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		MaxConcurrentExecutions: 10,
		EventBufferSize:         100,
		Logger:                  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = memstore.New(func(o *memstore.Options) { o.Logger = opts.Logger })
	}

	engineFns := append([]func(o *engine.Options){func(o *engine.Options) {
		o.Store = opts.Store
		o.Logger = opts.Logger
	}}, opts.Engine...)
	eng := engine.New(engineFns...)

	reg := registry.New()
	run := runner.New(eng, reg, func(o *runner.Options) {
		o.MaxConcurrentExecutions = opts.MaxConcurrentExecutions
		o.EventBufferSize = opts.EventBufferSize
		o.Logger = opts.Logger
	})
	return &Mesh{engine: eng, registry: reg, runner: run}
}

// Engine returns the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Registry returns the thread registry.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Store returns the persistence layer.
func (m *Mesh) Store() core.Store { return m.engine.Store() }

// RegisterThread adds a definition under its Key. The same definition value
// is shared by every execution, so its reactor must be safe for reuse.
func (m *Mesh) RegisterThread(def *engine.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return m.registry.Register(def.Key, registry.Static(def))
}

// Register adds a factory building a fresh definition per execution.
func (m *Mesh) Register(key string, f registry.Factory) error {
	return m.registry.Register(key, f)
}

// React runs one execution of the thread registered under key and blocks
// until it has finished.
func (m *Mesh) React(ctx context.Context, key string, trigger core.Item, p engine.Params) (*engine.Result, error) {
	def, err := m.registry.Get(key)
	if err != nil {
		return nil, err
	}
	return m.engine.React(ctx, def, trigger, p)
}

// Invoke starts a streamed execution returning event & error channels.
func (m *Mesh) Invoke(
	ctx context.Context,
	key string,
	trigger core.Item,
	p engine.Params,
) (runner.ExecutionRef, <-chan stream.Event, <-chan error, error) {
	return m.runner.Invoke(ctx, key, trigger, p)
}

// Cancel aborts a streamed execution.
func (m *Mesh) Cancel(runID string) error { return m.runner.Cancel(runID) }

// InvokeSync is a synchronous helper that drains the async channels and
// accumulates the events.
func (m *Mesh) InvokeSync(
	ctx context.Context,
	key string,
	trigger core.Item,
	p engine.Params,
) (runner.ExecutionRef, []stream.Event, error) {
	ref, eventsCh, errorsCh, err := m.runner.Invoke(ctx, key, trigger, p)
	if err != nil {
		return ref, nil, err
	}

	var events []stream.Event
	for {
		select {
		case <-ctx.Done():
			// return events collected so far
			return ref, events, ctx.Err()

		case event, ok := <-eventsCh:
			if !ok {
				return ref, events, <-errorsCh
			}
			events = append(events, event)
		}
	}
}
