// Package agent defines the capability abstraction executed by pipeline
// stages: a unit with an identity and Execute(input) -> result, in two
// variants. Registered agents are long-lived, named, and have durable
// memory threaded into their prompts; ephemeral agents are created per
// stage invocation from a capability descriptor and never persist identity.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Capability tags what kind of work an agent specializes in. It keys the
// ephemeral-agent factory and defaults the agent's system prompt.
type Capability string

const (
	CapabilityGeneric    Capability = "generic"
	CapabilityAnalyst    Capability = "analyst"
	CapabilitySummarizer Capability = "summarizer"
	CapabilityReviewer   Capability = "reviewer"
	CapabilityTranslator Capability = "translator"
	CapabilityWriter     Capability = "writer"
)

// Agent is the minimal execution contract shared by both variants.
// Execute must be safe to invoke concurrently for different stages; it is
// not required to be reentrant for the same identity.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Capability returns the agent's capability descriptor.
	Capability() Capability
	// Execute runs one stage invocation.
	Execute(ctx context.Context, input types.TaskInput) (types.TaskResult, error)
}

// Config describes a registered agent.
type Config struct {
	ID           string     `json:"id" yaml:"id"`
	Capability   Capability `json:"capability,omitempty" yaml:"capability,omitempty"`
	Provider     string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// BaseAgent is the common implementation behind both variants: it renders
// the task input into a single prompt and delegates to the reasoning
// provider. Variants differ only in identity lifetime and memory
// durability, which the orchestrator manages.
type BaseAgent struct {
	id           string
	capability   Capability
	systemPrompt string
	provider     types.Provider
	logger       *zap.Logger
}

// NewBaseAgent creates an agent bound to a provider.
func NewBaseAgent(id string, capability Capability, systemPrompt string, provider types.Provider, logger *zap.Logger) *BaseAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capability == "" {
		capability = CapabilityGeneric
	}
	return &BaseAgent{
		id:           id,
		capability:   capability,
		systemPrompt: systemPrompt,
		provider:     provider,
		logger:       logger.With(zap.String("agent_id", id)),
	}
}

// ID implements Agent.
func (a *BaseAgent) ID() string { return a.id }

// Capability implements Agent.
func (a *BaseAgent) Capability() Capability { return a.capability }

// Provider returns the provider name, used as the circuit-breaker key.
func (a *BaseAgent) Provider() string {
	if a.provider == nil {
		return ""
	}
	return a.provider.Name()
}

// Execute implements Agent. Provider failures are reported as PROVIDER
// errors so the retry executor and circuit breaker classify them as
// transient.
func (a *BaseAgent) Execute(ctx context.Context, input types.TaskInput) (types.TaskResult, error) {
	if a.provider == nil {
		return types.TaskResult{}, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("agent %q has no provider", a.id))
	}

	start := time.Now()
	prompt := a.renderPrompt(input)

	a.logger.Debug("invoking provider",
		zap.String("provider", a.provider.Name()),
		zap.Int("prompt_len", len(prompt)),
	)

	output, err := a.provider.Invoke(ctx, prompt, input.Context)
	if err != nil {
		if _, ok := types.AsError(err); !ok {
			err = types.NewError(types.ErrProvider, "provider invocation failed").WithCause(err)
		}
		return types.TaskResult{}, err
	}

	return types.TaskResult{
		AgentID:  a.id,
		Output:   output,
		Success:  true,
		Duration: time.Since(start),
	}, nil
}

// renderPrompt flattens the structured input into the provider prompt:
// system prompt, prior exchanges, upstream stage outputs, and any
// regenerate feedback, followed by the stage prompt itself.
func (a *BaseAgent) renderPrompt(input types.TaskInput) string {
	var b strings.Builder

	if a.systemPrompt != "" {
		b.WriteString(a.systemPrompt)
		b.WriteString("\n\n")
	}
	if len(input.History) > 0 {
		b.WriteString("Previous exchanges:\n")
		for _, line := range input.History {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if len(input.Upstream) > 0 {
		b.WriteString("Upstream results:\n")
		// Sorted so identical inputs render byte-for-byte identical prompts.
		ids := make([]string, 0, len(input.Upstream))
		for stageID := range input.Upstream {
			ids = append(ids, stageID)
		}
		sort.Strings(ids)
		for _, stageID := range ids {
			b.WriteString(fmt.Sprintf("[%s] %s\n", stageID, input.Upstream[stageID]))
		}
		b.WriteByte('\n')
	}
	if len(input.Feedback) > 0 {
		b.WriteString("Reviewer feedback on previous attempts:\n")
		for _, fb := range input.Feedback {
			b.WriteString("- ")
			b.WriteString(fb)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(input.Prompt)
	return b.String()
}
