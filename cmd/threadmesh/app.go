package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/threadmesh/action"
	"github.com/hupe1980/threadmesh/config"
	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/model"
	"github.com/hupe1980/threadmesh/model/anthropic"
	"github.com/hupe1980/threadmesh/model/openai"
	"github.com/hupe1980/threadmesh/policy"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/runner"
	"github.com/hupe1980/threadmesh/store/memstore"
	"github.com/hupe1980/threadmesh/store/sqlstore"
	"github.com/hupe1980/threadmesh/telemetry"
	"github.com/hupe1980/threadmesh/trace"
)

// app is the fully wired process: store, engine, registry and runner built
// from one Config.
type app struct {
	cfg       *config.Config
	logger    *logging.ThreadLogger
	store     core.Store
	traces    trace.Store
	engine    *engine.Engine
	registry  *registry.Registry
	runner    *runner.Runner
	telemetry *telemetry.Provider
	closers   []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	// stdout carries command output
	lc := cfg.LoggerConfig()
	lc.Output = os.Stderr
	a := &app{
		cfg:    cfg,
		logger: logging.NewThreadLogger(lc).WithComponent("threadmesh"),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}

	gate, err := a.loadPolicy(ctx)
	if err != nil {
		return err
	}
	executor := action.NewExecutor(func(o *action.ExecutorOptions) {
		o.MaxParallel = a.cfg.Engine.MaxParallelActions
		o.Gate = gate
		o.Logger = a.logger.WithComponent("action")
	})

	a.telemetry, err = telemetry.NewProvider(ctx, "threadmesh")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	metrics, err := telemetry.NewMetrics(a.telemetry.MeterProvider)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var recorder *trace.Recorder
	if a.cfg.Trace.Enabled {
		recorder = a.newRecorder()
	}

	a.engine = engine.New(a.cfg.EngineOptions(), func(o *engine.Options) {
		o.Store = a.store
		o.Executor = executor
		o.Trace = recorder
		o.Metrics = metrics
		o.Logger = a.logger.WithComponent("engine")
	})

	a.registry = registry.New()
	if err := a.loadThreads(); err != nil {
		return err
	}

	a.runner = runner.New(a.engine, a.registry, func(o *runner.Options) {
		o.MaxConcurrentExecutions = a.cfg.Engine.MaxConcurrentExecutions
		o.EventBufferSize = a.cfg.Engine.EventBufferSize
		o.Logger = a.logger.WithComponent("runner")
	})
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Store.Driver == config.DriverMemory {
		a.store = memstore.New(func(o *memstore.Options) { o.Logger = a.logger.WithComponent("store") })
		a.traces = trace.NewMemoryStore()
		return nil
	}
	st, err := sqlstore.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN, func(o *sqlstore.Options) {
		o.Logger = a.logger.WithComponent("store")
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	a.store = st
	a.traces = st
	return nil
}

func (a *app) loadPolicy(ctx context.Context) (action.Gate, error) {
	optFn := func(o *policy.Options) { o.Logger = a.logger.WithComponent("policy") }
	if a.cfg.PolicyFile == "" {
		return policy.NewEngine(ctx, policy.DefaultPolicy, optFn)
	}
	p, err := policy.LoadFile(ctx, a.cfg.PolicyFile, optFn)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

func (a *app) newRecorder() *trace.Recorder {
	return trace.NewRecorder(a.traces, func(o *trace.RecorderOptions) {
		o.BatchSize = a.cfg.Trace.BatchSize
		o.Strict = a.cfg.Trace.Strict
		o.Logger = a.logger.WithComponent("trace")
		if a.cfg.Trace.ExportURL != "" {
			o.Exporter = trace.NewHTTPExporter(a.cfg.Trace.ExportURL, func(eo *trace.HTTPExporterOptions) {
				eo.ProjectID = a.cfg.Trace.ProjectID
				eo.Token = a.cfg.Trace.Token
			})
		}
	})
}

// loadThreads loads the definitions file, then the built-in threads whose
// keys the file left free.
func (a *app) loadThreads() error {
	if a.cfg.DefinitionsFile == "" {
		return registerBuiltins(a.registry)
	}
	if err := registry.LoadFile(a.registry, a.cfg.DefinitionsFile, func(o *registry.LoadOptions) {
		o.Actions = builtinActions()
		o.Models = a.models()
	}); err != nil {
		return err
	}
	return registerBuiltins(a.registry)
}

func (a *app) models() map[string]model.Model {
	models := map[string]model.Model{}
	switch a.cfg.Model.Provider {
	case "openai":
		models["openai"] = openai.NewModel(func(o *openai.Options) {
			if a.cfg.Model.Name != "" {
				o.Model = a.cfg.Model.Name
			}
		})
	case "anthropic":
		models["anthropic"] = anthropic.NewModel(func(o *anthropic.Options) {
			if a.cfg.Model.Name != "" {
				o.Model = anthropicsdk.Model(a.cfg.Model.Name)
			}
		})
	}
	return models
}

// Close releases everything in reverse order of construction.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
