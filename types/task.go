package types

import (
	"context"
	"time"
)

// TaskInput carries everything an agent needs for one stage invocation:
// the stage prompt, static context values, the outputs of upstream stages
// this stage depends on, prior exchanges from the agent's memory, and any
// reviewer or approval feedback accumulated by regenerate cycles.
//
// TaskInput values are treated as immutable; use Clone before mutating.
type TaskInput struct {
	Prompt   string            `json:"prompt"`
	Context  map[string]string `json:"context,omitempty"`
	Upstream map[string]string `json:"upstream,omitempty"`
	History  []string          `json:"history,omitempty"`
	Feedback []string          `json:"feedback,omitempty"`
}

// Clone returns a deep copy of the input.
func (in TaskInput) Clone() TaskInput {
	out := TaskInput{Prompt: in.Prompt}
	if in.Context != nil {
		out.Context = make(map[string]string, len(in.Context))
		for k, v := range in.Context {
			out.Context[k] = v
		}
	}
	if in.Upstream != nil {
		out.Upstream = make(map[string]string, len(in.Upstream))
		for k, v := range in.Upstream {
			out.Upstream[k] = v
		}
	}
	out.History = append([]string(nil), in.History...)
	out.Feedback = append([]string(nil), in.Feedback...)
	return out
}

// WithFeedback returns a copy of the input with feedback appended.
func (in TaskInput) WithFeedback(feedback ...string) TaskInput {
	out := in.Clone()
	out.Feedback = append(out.Feedback, feedback...)
	return out
}

// TaskResult is the immutable outcome of one stage invocation.
type TaskResult struct {
	StageID       string            `json:"stage_id"`
	AgentID       string            `json:"agent_id"`
	Output        string            `json:"output"`
	Success       bool              `json:"success"`
	Attempts      int               `json:"attempts"`
	Regenerations int               `json:"regenerations"`
	Duration      time.Duration     `json:"duration"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Provider is the narrow reasoning-provider contract consumed by agents.
// Implementations make the actual network calls and are treated as black
// boxes; failures should be reported as *Error with code PROVIDER so the
// retry executor and circuit breaker can classify them.
type Provider interface {
	// Name returns the provider identity used for circuit-breaker keying.
	Name() string
	// Invoke sends a prompt plus context values and returns the raw output.
	Invoke(ctx context.Context, prompt string, context map[string]string) (string, error)
}

// Validator checks a stage's output before it is committed.
// Check failures should carry code VALIDATION so they are retried within
// the stage's retry policy without tripping the circuit breaker.
type Validator interface {
	// Name returns the validator's registration name.
	Name() string
	// Check returns nil when the output is acceptable.
	Check(output string) error
}
