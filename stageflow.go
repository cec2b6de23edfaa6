// Package stageflow provides the top-level entry point for building and
// running multi-stage agent pipelines with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stageflow"
//
//	p, err := stageflow.New(
//	    stageflow.WithProvider(myProvider),
//	    stageflow.WithSettings(settings),
//	)
//	result, err := p.Run(ctx,
//	    workflow.NewStage("draft").WithPrompt("Write a draft").Build(),
//	    workflow.NewStage("review").WithPrompt("Review {{draft}}").DependsOn("draft").Build(),
//	)
//
// Declarative pipelines load with [RunFile] or [FromFile]; both paths
// lower into the same stage definitions and run identically.
package stageflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/approval"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/memory"
	"github.com/BaSui01/stageflow/orchestrator"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// Pipeline is a configured orchestrator plus scheduler, ready to run
// stage lists.
type Pipeline struct {
	orch      *orchestrator.Orchestrator
	scheduler *workflow.Scheduler
	store     memory.Store
	logger    *zap.Logger
}

type options struct {
	settings   workflow.Settings
	logger     *zap.Logger
	store      memory.Store
	providers  []types.Provider
	validators []types.Validator
	channel    approval.Channel
	registerer prometheus.Registerer
	emitter    workflow.EventEmitter
}

// Option configures the pipeline created by [New].
type Option func(*options)

// WithSettings replaces the default pipeline settings.
func WithSettings(settings workflow.Settings) Option {
	return func(o *options) { o.settings = settings }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProvider registers a reasoning provider.
func WithProvider(p types.Provider) Option {
	return func(o *options) { o.providers = append(o.providers, p) }
}

// WithValidator registers a named output validator or reviewer.
func WithValidator(v types.Validator) Option {
	return func(o *options) { o.validators = append(o.validators, v) }
}

// WithApprovalChannel enables the human approval gate.
func WithApprovalChannel(c approval.Channel) Option {
	return func(o *options) { o.channel = c }
}

// WithMemoryStore replaces the default in-process memory store, for
// example with a Redis-backed one.
func WithMemoryStore(s memory.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics registers Prometheus collectors against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEventEmitter subscribes to scheduler lifecycle events.
func WithEventEmitter(emit workflow.EventEmitter) Option {
	return func(o *options) { o.emitter = emit }
}

// New assembles a pipeline. At minimum a provider must be supplied, via
// [WithProvider], before stages can run.
func New(opts ...Option) (*Pipeline, error) {
	o := &options{
		settings: workflow.DefaultSettings(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	store := o.store
	if store == nil {
		store = memory.NewInMemoryStore(memory.InMemoryStoreConfig{
			Cap: o.settings.MemoryCap,
		}, o.logger)
	}

	orch := orchestrator.New(store, o.logger)
	for _, p := range o.providers {
		orch.RegisterProvider(p)
	}

	schedOpts := []workflow.SchedulerOption{workflow.WithLogger(o.logger)}
	if o.channel != nil {
		schedOpts = append(schedOpts, workflow.WithApprovalChannel(o.channel))
	}
	for _, v := range o.validators {
		schedOpts = append(schedOpts, workflow.WithValidator(v))
	}
	if o.registerer != nil {
		collector := metrics.NewCollector("stageflow", o.registerer, o.logger)
		schedOpts = append(schedOpts, workflow.WithCollector(collector))
	}
	if o.emitter != nil {
		schedOpts = append(schedOpts, workflow.WithEventEmitter(o.emitter))
	}

	return &Pipeline{
		orch:      orch,
		scheduler: workflow.NewScheduler(orch, o.settings, schedOpts...),
		store:     store,
		logger:    o.logger,
	}, nil
}

// RegisterAgent adds a registered agent built from its config. The
// config's provider must already be supplied via [WithProvider].
func (p *Pipeline) RegisterAgent(cfg agent.Config) error {
	return p.orch.RegisterAgent(cfg)
}

// RegisterProvider adds a reasoning provider after construction.
func (p *Pipeline) RegisterProvider(provider types.Provider) {
	p.orch.RegisterProvider(provider)
}

// Orchestrator exposes the pipeline's orchestrator for advanced use, such
// as registering pre-built agents.
func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator {
	return p.orch
}

// Run executes the stage list and returns the aggregated result.
func (p *Pipeline) Run(ctx context.Context, stages ...workflow.StageDefinition) (*workflow.Result, error) {
	return p.scheduler.Execute(ctx, stages)
}

// FromFile loads a declarative pipeline definition, assembles a pipeline
// with the file's settings and agents, and returns the lowered stage list
// ready for [Pipeline.Run]. Options are applied after the file, so
// [WithSettings] overrides the file's settings section.
func FromFile(path string, opts ...Option) (*Pipeline, []workflow.StageDefinition, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	settings, agents, stages, err := f.Pipeline()
	if err != nil {
		return nil, nil, err
	}

	p, err := New(append([]Option{WithSettings(settings)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	for _, cfg := range agents {
		if err := p.RegisterAgent(cfg); err != nil {
			return nil, nil, err
		}
	}
	return p, stages, nil
}

// RunFile loads and runs a declarative pipeline in one call.
func RunFile(ctx context.Context, path string, opts ...Option) (*workflow.Result, error) {
	p, stages, err := FromFile(path, opts...)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, stages...)
}
