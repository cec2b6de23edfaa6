// Package config loads declarative pipeline definitions from YAML or JSON
// files and lowers them into the same canonical stage definitions the
// programmatic builder produces, so both construction paths execute
// identically.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/approval"
	"github.com/BaSui01/stageflow/retry"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// Duration parses "30s"-style strings from YAML and JSON. Plain integers
// are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// File is the root of a declarative pipeline definition.
type File struct {
	// Name labels the pipeline in logs. Optional.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Settings SettingsConfig `yaml:"settings" json:"settings"`
	Agents   []AgentConfig  `yaml:"agents,omitempty" json:"agents,omitempty"`
	Stages   []StageConfig  `yaml:"stages" json:"stages"`
}

// SettingsConfig mirrors workflow.Settings with file-friendly durations.
// Env tags drive the loader's environment overrides.
type SettingsConfig struct {
	Parallel          bool         `yaml:"parallel" json:"parallel" env:"PARALLEL"`
	Workers           int          `yaml:"workers,omitempty" json:"workers,omitempty" env:"WORKERS"`
	PipelineTimeout   Duration     `yaml:"pipeline_timeout,omitempty" json:"pipeline_timeout,omitempty" env:"PIPELINE_TIMEOUT"`
	DefaultRetry      *RetryConfig `yaml:"default_retry,omitempty" json:"default_retry,omitempty" env:"-"`
	BreakerThreshold  int          `yaml:"breaker_threshold,omitempty" json:"breaker_threshold,omitempty" env:"BREAKER_THRESHOLD"`
	BreakerCooldown   Duration     `yaml:"breaker_cooldown,omitempty" json:"breaker_cooldown,omitempty" env:"BREAKER_COOLDOWN"`
	ApprovalTimeout   Duration     `yaml:"approval_timeout,omitempty" json:"approval_timeout,omitempty" env:"APPROVAL_TIMEOUT"`
	OnApprovalTimeout string       `yaml:"on_approval_timeout,omitempty" json:"on_approval_timeout,omitempty" env:"ON_APPROVAL_TIMEOUT"`
	MaxRegenerate     int          `yaml:"max_regenerate,omitempty" json:"max_regenerate,omitempty" env:"MAX_REGENERATE"`
	MemoryCap         int          `yaml:"memory_cap,omitempty" json:"memory_cap,omitempty" env:"MEMORY_CAP"`
}

// RetryConfig mirrors retry.Policy with file-friendly durations.
type RetryConfig struct {
	Kind        string   `yaml:"kind" json:"kind"`
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Delay       Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Base        Duration `yaml:"base,omitempty" json:"base,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// AgentConfig declares a registered agent.
type AgentConfig struct {
	ID           string `yaml:"id" json:"id"`
	Capability   string `yaml:"capability,omitempty" json:"capability,omitempty"`
	Provider     string `yaml:"provider,omitempty" json:"provider,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// StageConfig declares one pipeline stage.
type StageConfig struct {
	ID              string            `yaml:"id" json:"id"`
	Agent           string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Capability      string            `yaml:"capability,omitempty" json:"capability,omitempty"`
	Provider        string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	SystemPrompt    string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	Prompt          string            `yaml:"prompt" json:"prompt"`
	Validator       string            `yaml:"validator,omitempty" json:"validator,omitempty"`
	Reviewer        string            `yaml:"reviewer,omitempty" json:"reviewer,omitempty"`
	ReviewMode      string            `yaml:"review_mode,omitempty" json:"review_mode,omitempty"`
	Retry           *RetryConfig      `yaml:"retry,omitempty" json:"retry,omitempty"`
	DependsOn       []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RequireApproval bool              `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	Optional        bool              `yaml:"optional,omitempty" json:"optional,omitempty"`
	Metadata        map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate checks the structural invariants a file must satisfy before
// lowering. Stage-graph invariants (unique ids, forward-only dependencies)
// are re-checked by the scheduler; this catches file-level mistakes early
// with file-relative messages.
func (f *File) Validate() error {
	if len(f.Stages) == 0 {
		return types.NewError(types.ErrConfiguration, "pipeline declares no stages")
	}

	agentIDs := make(map[string]bool, len(f.Agents))
	for _, a := range f.Agents {
		if a.ID == "" {
			return types.NewError(types.ErrConfiguration, "agent id is required")
		}
		if agentIDs[a.ID] {
			return types.NewError(types.ErrDuplicateAgent,
				fmt.Sprintf("agent %q declared twice", a.ID))
		}
		agentIDs[a.ID] = true
	}

	for _, s := range f.Stages {
		if s.ID == "" {
			return types.NewError(types.ErrConfiguration, "stage id is required")
		}
		if s.Agent != "" && !agentIDs[s.Agent] {
			return types.NewError(types.ErrUnknownAgent,
				fmt.Sprintf("stage %q references undeclared agent %q", s.ID, s.Agent))
		}
		if s.ReviewMode != "" &&
			s.ReviewMode != string(workflow.ReviewModeRetry) &&
			s.ReviewMode != string(workflow.ReviewModeRegenerate) {
			return types.NewError(types.ErrConfiguration,
				fmt.Sprintf("stage %q has invalid review_mode %q", s.ID, s.ReviewMode))
		}
	}

	switch f.Settings.OnApprovalTimeout {
	case "", string(approval.TimeoutApprove), string(approval.TimeoutReject), string(approval.TimeoutFail):
	default:
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("invalid on_approval_timeout %q", f.Settings.OnApprovalTimeout))
	}
	return nil
}

// Pipeline lowers the file into the canonical runtime forms.
func (f *File) Pipeline() (workflow.Settings, []agent.Config, []workflow.StageDefinition, error) {
	if err := f.Validate(); err != nil {
		return workflow.Settings{}, nil, nil, err
	}

	settings := workflow.Settings{
		Parallel:          f.Settings.Parallel,
		Workers:           f.Settings.Workers,
		PipelineTimeout:   time.Duration(f.Settings.PipelineTimeout),
		BreakerThreshold:  f.Settings.BreakerThreshold,
		BreakerCooldown:   time.Duration(f.Settings.BreakerCooldown),
		ApprovalTimeout:   time.Duration(f.Settings.ApprovalTimeout),
		OnApprovalTimeout: approval.TimeoutPolicy(f.Settings.OnApprovalTimeout),
		MaxRegenerate:     f.Settings.MaxRegenerate,
		MemoryCap:         f.Settings.MemoryCap,
	}
	if f.Settings.DefaultRetry != nil {
		settings.DefaultRetry = f.Settings.DefaultRetry.policy()
	}

	agents := make([]agent.Config, 0, len(f.Agents))
	for _, a := range f.Agents {
		agents = append(agents, agent.Config{
			ID:           a.ID,
			Capability:   agent.Capability(a.Capability),
			Provider:     a.Provider,
			SystemPrompt: a.SystemPrompt,
		})
	}

	stages := make([]workflow.StageDefinition, 0, len(f.Stages))
	for _, s := range f.Stages {
		def := workflow.StageDefinition{
			ID:              s.ID,
			AgentID:         s.Agent,
			Capability:      agent.Capability(s.Capability),
			Provider:        s.Provider,
			SystemPrompt:    s.SystemPrompt,
			Description:     s.Description,
			Prompt:          s.Prompt,
			Validator:       s.Validator,
			Reviewer:        s.Reviewer,
			ReviewMode:      workflow.ReviewMode(s.ReviewMode),
			DependsOn:       append([]string(nil), s.DependsOn...),
			RequireApproval: s.RequireApproval,
			Optional:        s.Optional,
			Metadata:        s.Metadata,
		}
		if s.Retry != nil {
			def.Retry = s.Retry.policy()
		}
		stages = append(stages, def)
	}
	return settings, agents, stages, nil
}

func (r *RetryConfig) policy() retry.Policy {
	return retry.Policy{
		Kind:        retry.Kind(r.Kind),
		MaxAttempts: r.MaxAttempts,
		Delay:       time.Duration(r.Delay),
		Base:        time.Duration(r.Base),
		Multiplier:  r.Multiplier,
		MaxDelay:    time.Duration(r.MaxDelay),
	}
}
