package workflow

import (
	"time"

	"github.com/BaSui01/stageflow/approval"
	"github.com/BaSui01/stageflow/retry"
)

// Settings are the global pipeline knobs. The scheduler is agnostic to
// whether they came from declarative configuration or programmatic
// construction.
type Settings struct {
	// Parallel enables concurrent dispatch of independent stages.
	Parallel bool `json:"parallel" yaml:"parallel"`

	// Workers bounds concurrent stage executions when Parallel is set.
	Workers int `json:"workers" yaml:"workers"`

	// PipelineTimeout aborts all unresolved stages once exceeded.
	// 0 disables the pipeline-level timeout.
	PipelineTimeout time.Duration `json:"pipeline_timeout,omitempty" yaml:"pipeline_timeout,omitempty"`

	// DefaultRetry applies to stages that declare no retry policy.
	DefaultRetry retry.Policy `json:"default_retry" yaml:"default_retry"`

	// BreakerThreshold and BreakerCooldown configure the per-provider
	// circuit breakers.
	BreakerThreshold int           `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`

	// ApprovalTimeout and OnApprovalTimeout configure the approval gate's
	// decision wait.
	ApprovalTimeout   time.Duration          `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"`
	OnApprovalTimeout approval.TimeoutPolicy `json:"on_approval_timeout,omitempty" yaml:"on_approval_timeout,omitempty"`

	// MaxRegenerate bounds re-executions triggered by approval rejections
	// or regenerate-mode review failures, per stage.
	MaxRegenerate int `json:"max_regenerate" yaml:"max_regenerate"`

	// MemoryCap bounds the per-agent memory log. Consumed by the facade
	// when it constructs the memory store.
	MemoryCap int `json:"memory_cap" yaml:"memory_cap"`
}

// DefaultSettings returns conservative defaults: sequential execution,
// three fixed-delay attempts, and fail-on-approval-timeout.
func DefaultSettings() Settings {
	return Settings{
		Parallel:          false,
		Workers:           4,
		DefaultRetry:      retry.FixedDelay(time.Second, 3),
		BreakerThreshold:  5,
		BreakerCooldown:   60 * time.Second,
		ApprovalTimeout:   10 * time.Minute,
		OnApprovalTimeout: approval.TimeoutFail,
		MaxRegenerate:     3,
		MemoryCap:         50,
	}
}

// normalized applies defaults to zero-valued fields.
func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.Workers <= 0 {
		s.Workers = def.Workers
	}
	if s.DefaultRetry == (retry.Policy{}) {
		s.DefaultRetry = def.DefaultRetry
	}
	s.DefaultRetry = s.DefaultRetry.Normalized()
	if s.BreakerThreshold <= 0 {
		s.BreakerThreshold = def.BreakerThreshold
	}
	if s.BreakerCooldown <= 0 {
		s.BreakerCooldown = def.BreakerCooldown
	}
	if s.OnApprovalTimeout == "" {
		s.OnApprovalTimeout = def.OnApprovalTimeout
	}
	if s.MaxRegenerate < 0 {
		s.MaxRegenerate = 0
	}
	if s.MemoryCap <= 0 {
		s.MemoryCap = def.MemoryCap
	}
	return s
}
