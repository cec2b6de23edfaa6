// Package orchestrator binds the pieces around the scheduler: the agent
// registry, the reasoning providers, and the per-agent memory store. It is
// the scheduler's AgentResolver, deciding per stage whether a registered
// agent (with durable memory) or a fresh ephemeral agent serves it.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/memory"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// Orchestrator resolves stage definitions to agents and threads agent
// memory through stage invocations.
type Orchestrator struct {
	registry  *agent.Registry
	store     memory.Store
	providers map[string]types.Provider
	logger    *zap.Logger
}

// New creates an orchestrator over the given memory store.
func New(store memory.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  agent.NewRegistry(logger),
		store:     store,
		providers: make(map[string]types.Provider),
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
}

// RegisterProvider makes a reasoning provider available under its name.
// Registering the same name twice replaces the previous provider.
func (o *Orchestrator) RegisterProvider(p types.Provider) {
	o.providers[p.Name()] = p
	o.logger.Info("provider registered", zap.String("provider", p.Name()))
}

// Provider returns the provider registered under name.
func (o *Orchestrator) Provider(name string) (types.Provider, bool) {
	p, ok := o.providers[name]
	return p, ok
}

// RegisterAgent constructs a registered agent from its config and adds it
// to the registry. The config's provider must already be registered.
func (o *Orchestrator) RegisterAgent(cfg agent.Config) error {
	if cfg.ID == "" {
		return types.NewError(types.ErrConfiguration, "agent id is required")
	}
	provider, err := o.resolveProvider(cfg.Provider)
	if err != nil {
		return err
	}
	a := agent.NewBaseAgent(cfg.ID, cfg.Capability, cfg.SystemPrompt, provider, o.logger)
	return o.registry.Register(a)
}

// Register adds a pre-built agent to the registry.
func (o *Orchestrator) Register(a agent.Agent) error {
	return o.registry.Register(a)
}

// Agents returns registered agent identities in registration order.
func (o *Orchestrator) Agents() []string {
	return o.registry.List()
}

// ResolveAgent implements workflow.AgentResolver. A stage naming an agent
// id gets the registered agent or UNKNOWN_AGENT; otherwise a one-off
// ephemeral agent is built from the stage's capability descriptor.
func (o *Orchestrator) ResolveAgent(def workflow.StageDefinition) (agent.Agent, error) {
	if def.AgentID != "" {
		a, err := o.registry.Get(def.AgentID)
		if err != nil {
			if e, ok := types.AsError(err); ok {
				return nil, e.WithStage(def.ID)
			}
			return nil, err
		}
		return a, nil
	}

	provider, err := o.resolveProvider(def.Provider)
	if err != nil {
		if e, ok := types.AsError(err); ok {
			return nil, e.WithStage(def.ID)
		}
		return nil, err
	}
	a, err := agent.NewEphemeral(def.Capability, def.SystemPrompt, provider, o.logger)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("ephemeral agent created",
		zap.String("stage_id", def.ID),
		zap.String("agent_id", a.ID()),
		zap.String("capability", string(def.Capability)),
	)
	return a, nil
}

// RecordExchange implements workflow.AgentResolver. Exchanges are durable
// only for registered identities; ephemeral agents leave no trace.
func (o *Orchestrator) RecordExchange(ctx context.Context, identity string, input types.TaskInput, result types.TaskResult) error {
	if o.store == nil || !o.registry.Contains(identity) {
		return nil
	}
	if err := o.store.Append(ctx, identity, memory.Entry{
		Role:    memory.RoleInput,
		Content: input.Prompt,
	}); err != nil {
		return fmt.Errorf("record input for %s: %w", identity, err)
	}
	if err := o.store.Append(ctx, identity, memory.Entry{
		Role:    memory.RoleOutput,
		Content: result.Output,
	}); err != nil {
		return fmt.Errorf("record output for %s: %w", identity, err)
	}
	return nil
}

// History implements workflow.AgentResolver: the identity's memory log
// rendered to prompt lines, empty for ephemeral identities.
func (o *Orchestrator) History(ctx context.Context, identity string) ([]string, error) {
	if o.store == nil || !o.registry.Contains(identity) {
		return nil, nil
	}
	entries, err := o.store.Read(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("read memory for %s: %w", identity, err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Role, e.Content))
	}
	return lines, nil
}

// resolveProvider looks up a provider by name. An empty name resolves to
// the sole registered provider, when there is exactly one.
func (o *Orchestrator) resolveProvider(name string) (types.Provider, error) {
	if name != "" {
		p, ok := o.providers[name]
		if !ok {
			return nil, types.NewError(types.ErrConfiguration,
				fmt.Sprintf("provider %q is not registered", name))
		}
		return p, nil
	}
	if len(o.providers) == 1 {
		for _, p := range o.providers {
			return p, nil
		}
	}
	return nil, types.NewError(types.ErrConfiguration,
		"no provider named and no unambiguous default is registered")
}
