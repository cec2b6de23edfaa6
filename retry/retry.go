// Package retry wraps a single stage invocation with a pluggable backoff
// policy and a circuit-breaker guard.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/circuitbreaker"
	"github.com/BaSui01/stageflow/types"
)

// Kind selects the backoff behavior between attempts.
type Kind string

const (
	// KindNone attempts exactly once, with no retry.
	KindNone Kind = "none"
	// KindFixedDelay sleeps a constant Delay between attempts.
	KindFixedDelay Kind = "fixed"
	// KindExponentialBackoff sleeps Base * Multiplier^attempt, capped at
	// MaxDelay, between attempts.
	KindExponentialBackoff Kind = "exponential"
)

// Policy defines the retry behavior of one stage.
type Policy struct {
	Kind        Kind          `json:"kind" yaml:"kind"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Base        time.Duration `json:"base,omitempty" yaml:"base,omitempty"`
	Multiplier  float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// NoRetry attempts exactly once.
func NoRetry() Policy {
	return Policy{Kind: KindNone, MaxAttempts: 1}
}

// FixedDelay retries up to maxAttempts with a constant delay in between.
func FixedDelay(delay time.Duration, maxAttempts int) Policy {
	return Policy{Kind: KindFixedDelay, MaxAttempts: maxAttempts, Delay: delay}
}

// ExponentialBackoff retries up to maxAttempts sleeping
// base * multiplier^n, capped at maxDelay, between attempts.
func ExponentialBackoff(base time.Duration, multiplier float64, maxDelay time.Duration, maxAttempts int) Policy {
	return Policy{
		Kind:        KindExponentialBackoff,
		MaxAttempts: maxAttempts,
		Base:        base,
		Multiplier:  multiplier,
		MaxDelay:    maxDelay,
	}
}

// Normalized returns the policy with defaults applied. It is the canonical
// form compared by the declarative/programmatic equivalence contract.
func (p Policy) Normalized() Policy {
	if p.Kind == "" {
		p.Kind = KindNone
	}
	if p.Kind == KindNone {
		p.MaxAttempts = 1
		p.Delay, p.Base, p.Multiplier, p.MaxDelay = 0, 0, 0, 0
		return p
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Kind == KindExponentialBackoff {
		if p.Multiplier < 1.0 {
			p.Multiplier = 2.0
		}
		if p.Base <= 0 {
			p.Base = time.Second
		}
		if p.MaxDelay <= 0 {
			p.MaxDelay = 30 * time.Second
		}
		p.Delay = 0
	} else {
		p.Base, p.Multiplier, p.MaxDelay = 0, 0, 0
	}
	return p
}

// delayFor returns the sleep before attempt n+1, where n counts completed
// attempts starting at 1.
func (p Policy) delayFor(completed int) time.Duration {
	switch p.Kind {
	case KindFixedDelay:
		return p.Delay
	case KindExponentialBackoff:
		d := float64(p.Base) * math.Pow(p.Multiplier, float64(completed-1))
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
		return time.Duration(d)
	default:
		return 0
	}
}

// Executor runs stage invocations under a retry policy, consulting the
// circuit breaker for the stage's provider key before every attempt.
type Executor struct {
	breakers *circuitbreaker.Registry
	logger   *zap.Logger

	// sleep is used for testing. Defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a retry executor bound to a breaker registry.
func NewExecutor(breakers *circuitbreaker.Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		breakers: breakers,
		logger:   logger.With(zap.String("component", "retry_executor")),
		sleep:    sleepCtx,
	}
}

// Run invokes fn up to policy.MaxAttempts times.
//
// Before each attempt the breaker for key is consulted: while open with an
// unexpired cooldown the run fails immediately with a CIRCUIT_OPEN error
// and no attempt is consumed. Failures carrying code VALIDATION are
// retried but do not feed the breaker; everything else counts toward the
// breaker threshold. Exhausting attempts propagates the last failure.
func (e *Executor) Run(ctx context.Context, key string, policy Policy, fn func(ctx context.Context) error) error {
	policy = policy.Normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.delayFor(attempt - 1)
			e.logger.Debug("retrying",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry canceled: %w", err)
			}
		}

		if e.breakers != nil {
			if err := e.breakers.Allow(key); err != nil {
				return types.NewError(types.ErrCircuitOpen,
					fmt.Sprintf("provider %q is failing fast", key)).WithCause(err)
			}
		}

		err := fn(ctx)
		if err == nil {
			if e.breakers != nil {
				e.breakers.RecordSuccess(key)
			}
			if attempt > 1 {
				e.logger.Info("retry succeeded",
					zap.String("key", key),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		if e.breakers != nil && types.GetErrorCode(err) != types.ErrValidation {
			e.breakers.RecordFailure(key)
		}
		lastErr = err

		if !types.IsRetryable(err) {
			e.logger.Debug("error not retryable",
				zap.String("key", key),
				zap.Error(err),
			)
			return err
		}
	}

	e.logger.Warn("attempts exhausted",
		zap.String("key", key),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
