package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/retry"
	"github.com/BaSui01/stageflow/types"
)

// ReviewMode decides how automated-reviewer failures are handled.
type ReviewMode string

const (
	// ReviewModeRetry counts a review failure as a failed attempt inside
	// the stage's retry policy.
	ReviewModeRetry ReviewMode = "retry"
	// ReviewModeRegenerate feeds review feedback into a regenerate cycle,
	// like an approval rejection.
	ReviewModeRegenerate ReviewMode = "regenerate"
)

// StageDefinition describes one pipeline stage. Definitions are immutable
// once the pipeline starts. Declarative configuration and programmatic
// construction both lower into this canonical form; field-for-field equal
// definitions are guaranteed identical execution semantics.
type StageDefinition struct {
	// ID is the stage's unique identity within the pipeline.
	ID string `json:"id" yaml:"id"`

	// AgentID names a registered agent. Empty means an ephemeral agent is
	// created for this stage from Capability.
	AgentID string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`

	// Capability selects the ephemeral-agent factory when AgentID is empty.
	Capability agent.Capability `json:"capability,omitempty" yaml:"capability,omitempty"`

	// Provider names the reasoning provider for ephemeral agents; it is
	// also the circuit-breaker key for the stage.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// SystemPrompt overrides the capability's default system prompt for
	// ephemeral agents.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Prompt is the stage's prompt template. {{stage-id}} placeholders are
	// substituted with that dependency's output.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Validator names a registered output validator; empty disables
	// validation.
	Validator string `json:"validator,omitempty" yaml:"validator,omitempty"`

	// Reviewer names a registered automated reviewer, distinct from human
	// approval. ReviewMode decides whether its failures consume retry
	// attempts or regenerate cycles.
	Reviewer   string     `json:"reviewer,omitempty" yaml:"reviewer,omitempty"`
	ReviewMode ReviewMode `json:"review_mode,omitempty" yaml:"review_mode,omitempty"`

	Retry retry.Policy `json:"retry" yaml:"retry"`

	// DependsOn lists stage ids whose outputs this stage consumes. Only
	// earlier-declared stages may be referenced.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// RequireApproval routes the stage's result through the approval gate.
	RequireApproval bool `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`

	// Optional stages record their failure without aborting the workflow.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Normalized returns the canonical form of the definition: defaults
// applied, dependency list sorted and deduplicated, retry policy
// normalized. Both construction paths produce this form, so equivalence
// can be asserted with a plain deep comparison.
func (d StageDefinition) Normalized(defaults retry.Policy) StageDefinition {
	if d.AgentID == "" && d.Capability == "" {
		d.Capability = agent.CapabilityGeneric
	}
	if d.Reviewer != "" && d.ReviewMode == "" {
		d.ReviewMode = ReviewModeRetry
	}
	if d.Reviewer == "" {
		d.ReviewMode = ""
	}
	if d.Retry == (retry.Policy{}) {
		d.Retry = defaults
	}
	d.Retry = d.Retry.Normalized()

	if len(d.DependsOn) > 0 {
		seen := make(map[string]bool, len(d.DependsOn))
		deps := make([]string, 0, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
		sort.Strings(deps)
		d.DependsOn = deps
	} else {
		d.DependsOn = nil
	}
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	return d
}

// breakerKey returns the circuit-breaker key for the stage: the provider
// when known, otherwise the agent identity.
func (d StageDefinition) breakerKey(agentID string) string {
	if d.Provider != "" {
		return d.Provider
	}
	return agentID
}

// expandPrompt substitutes {{stage-id}} placeholders with upstream outputs.
func expandPrompt(prompt string, upstream map[string]string) string {
	if len(upstream) == 0 || !strings.Contains(prompt, "{{") {
		return prompt
	}
	for stageID, output := range upstream {
		prompt = strings.ReplaceAll(prompt, "{{"+stageID+"}}", output)
	}
	return prompt
}

// validateStages enforces the load-time invariants: unique ids, and
// dependency sets referencing only earlier-declared stages (which rules
// out cycles by construction).
func validateStages(defs []StageDefinition) error {
	declared := make(map[string]bool, len(defs))
	all := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return types.NewError(types.ErrConfiguration, "stage id is required")
		}
		if all[d.ID] {
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("duplicate stage id %q", d.ID))
		}
		all[d.ID] = true
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if dep == d.ID {
				return types.NewError(types.ErrDependencyCycle,
					fmt.Sprintf("stage %q depends on itself", d.ID)).WithStage(d.ID)
			}
			if !all[dep] {
				return types.NewError(types.ErrConfiguration,
					fmt.Sprintf("stage %q depends on unknown stage %q", d.ID, dep)).WithStage(d.ID)
			}
			if !declared[dep] {
				return types.NewError(types.ErrDependencyCycle,
					fmt.Sprintf("stage %q depends on later-declared stage %q", d.ID, dep)).WithStage(d.ID)
			}
		}
		declared[d.ID] = true
	}
	return nil
}

// StageBuilder is the programmatic construction path. It produces the same
// canonical StageDefinition values as the declarative loader.
type StageBuilder struct {
	def StageDefinition
}

// NewStage starts building a stage definition.
func NewStage(id string) *StageBuilder {
	return &StageBuilder{def: StageDefinition{ID: id}}
}

// WithAgent binds the stage to a registered agent identity.
func (b *StageBuilder) WithAgent(agentID string) *StageBuilder {
	b.def.AgentID = agentID
	return b
}

// WithCapability selects the ephemeral-agent capability.
func (b *StageBuilder) WithCapability(capability agent.Capability) *StageBuilder {
	b.def.Capability = capability
	return b
}

// WithProvider names the reasoning provider for ephemeral agents.
func (b *StageBuilder) WithProvider(provider string) *StageBuilder {
	b.def.Provider = provider
	return b
}

// WithSystemPrompt overrides the ephemeral agent's system prompt.
func (b *StageBuilder) WithSystemPrompt(prompt string) *StageBuilder {
	b.def.SystemPrompt = prompt
	return b
}

// WithDescription sets the human-readable description.
func (b *StageBuilder) WithDescription(description string) *StageBuilder {
	b.def.Description = description
	return b
}

// WithPrompt sets the stage prompt template.
func (b *StageBuilder) WithPrompt(prompt string) *StageBuilder {
	b.def.Prompt = prompt
	return b
}

// WithValidator names the output validator.
func (b *StageBuilder) WithValidator(name string) *StageBuilder {
	b.def.Validator = name
	return b
}

// WithReviewer names the automated reviewer and its failure mode.
func (b *StageBuilder) WithReviewer(name string, mode ReviewMode) *StageBuilder {
	b.def.Reviewer = name
	b.def.ReviewMode = mode
	return b
}

// WithRetry sets the stage retry policy.
func (b *StageBuilder) WithRetry(policy retry.Policy) *StageBuilder {
	b.def.Retry = policy
	return b
}

// DependsOn declares dependencies on earlier stages.
func (b *StageBuilder) DependsOn(stageIDs ...string) *StageBuilder {
	b.def.DependsOn = append(b.def.DependsOn, stageIDs...)
	return b
}

// RequireApproval routes the result through the approval gate.
func (b *StageBuilder) RequireApproval() *StageBuilder {
	b.def.RequireApproval = true
	return b
}

// Optional marks the stage's failure as non-fatal to the workflow.
func (b *StageBuilder) Optional() *StageBuilder {
	b.def.Optional = true
	return b
}

// WithMetadata attaches a metadata key/value pair.
func (b *StageBuilder) WithMetadata(key, value string) *StageBuilder {
	if b.def.Metadata == nil {
		b.def.Metadata = make(map[string]string)
	}
	b.def.Metadata[key] = value
	return b
}

// Build returns the definition. Normalization happens when the scheduler
// accepts the stage list, so built values compare equal to loaded ones.
func (b *StageBuilder) Build() StageDefinition {
	return b.def
}
