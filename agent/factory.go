package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Factory constructs an agent for a capability. Factories must be pure:
// same inputs, equivalent agent.
type Factory func(id string, systemPrompt string, provider types.Provider, logger *zap.Logger) (Agent, error)

var (
	factoryMu sync.RWMutex
	factories = map[Capability]Factory{}
)

func init() {
	base := func(defaultPrompt string) Factory {
		return func(id, systemPrompt string, provider types.Provider, logger *zap.Logger) (Agent, error) {
			if systemPrompt == "" {
				systemPrompt = defaultPrompt
			}
			return NewBaseAgent(id, "", systemPrompt, provider, logger), nil
		}
	}
	// Built-in capabilities differ only in their default system prompt.
	RegisterCapability(CapabilityGeneric, base(""))
	RegisterCapability(CapabilityAnalyst, base("You are a careful analyst. Break the task down and reason step by step."))
	RegisterCapability(CapabilitySummarizer, base("You are a summarizer. Produce a faithful, concise summary."))
	RegisterCapability(CapabilityReviewer, base("You are a strict reviewer. Point out concrete problems with the input."))
	RegisterCapability(CapabilityTranslator, base("You are a translator. Preserve meaning and register."))
	RegisterCapability(CapabilityWriter, base("You are a writer. Produce clear, well-structured prose."))
}

// RegisterCapability installs a factory for a capability, replacing any
// previous registration.
func RegisterCapability(capability Capability, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[capability] = factory
}

// NewEphemeral creates a per-stage agent from a capability descriptor.
// The identity is unique per invocation and never enters the registry.
func NewEphemeral(capability Capability, systemPrompt string, provider types.Provider, logger *zap.Logger) (Agent, error) {
	if capability == "" {
		capability = CapabilityGeneric
	}

	factoryMu.RLock()
	factory, ok := factories[capability]
	factoryMu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("no factory registered for capability %q", capability))
	}

	id := fmt.Sprintf("ephemeral-%s-%s", capability, uuid.NewString()[:8])
	a, err := factory(id, systemPrompt, provider, logger)
	if err != nil {
		return nil, fmt.Errorf("create ephemeral %s agent: %w", capability, err)
	}
	if base, ok := a.(*BaseAgent); ok {
		base.capability = capability
	}
	return a, nil
}
