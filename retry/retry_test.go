package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/circuitbreaker"
	"github.com/BaSui01/stageflow/types"
)

// newTestExecutor returns an executor with sleeps recorded instead of slept.
func newTestExecutor(threshold int) (*Executor, *circuitbreaker.Registry, *[]time.Duration) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: threshold,
		Cooldown:  time.Minute,
	}, nil)
	e := NewExecutor(breakers, nil)

	slept := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return e, breakers, slept
}

func TestExecutor_SuccessUsesOneAttempt(t *testing.T) {
	e, _, _ := newTestExecutor(5)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Second, 3), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RetriesUpToMaxAttempts(t *testing.T) {
	e, _, _ := newTestExecutor(100)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
		calls++
		return types.NewError(types.ErrProvider, "transient")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, types.ErrProvider, types.GetErrorCode(err))
}

func TestExecutor_NoRetryAttemptsOnce(t *testing.T) {
	e, _, _ := newTestExecutor(100)

	calls := 0
	err := e.Run(context.Background(), "openai", NoRetry(), func(ctx context.Context) error {
		calls++
		return types.NewError(types.ErrProvider, "transient")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RecoversMidway(t *testing.T) {
	e, _, _ := newTestExecutor(100)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrProvider, "transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_NonRetryableStopsImmediately(t *testing.T) {
	e, _, _ := newTestExecutor(100)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
		calls++
		return types.NewError(types.ErrConfiguration, "bad setup")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestExecutor_FixedDelaySleeps(t *testing.T) {
	e, _, slept := newTestExecutor(100)

	_ = e.Run(context.Background(), "openai", FixedDelay(2*time.Second, 3), func(ctx context.Context) error {
		return types.NewError(types.ErrProvider, "transient")
	})

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *slept)
}

func TestExecutor_ExponentialBackoffSleeps(t *testing.T) {
	e, _, slept := newTestExecutor(100)

	policy := ExponentialBackoff(time.Second, 2.0, 5*time.Second, 5)
	_ = e.Run(context.Background(), "openai", policy, func(ctx context.Context) error {
		return types.NewError(types.ErrProvider, "transient")
	})

	// 1s, 2s, 4s, then capped at 5s.
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}, *slept)
}

func TestExecutor_CircuitOpenConsumesNoAttempt(t *testing.T) {
	e, breakers, _ := newTestExecutor(2)

	// Trip the breaker for the key.
	breakers.RecordFailure("openai")
	breakers.RecordFailure("openai")
	require.Equal(t, circuitbreaker.StateOpen, breakers.State("openai"))

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestExecutor_FailuresFeedBreaker(t *testing.T) {
	e, breakers, _ := newTestExecutor(3)

	_ = e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
		return types.NewError(types.ErrProvider, "transient")
	})

	assert.Equal(t, circuitbreaker.StateOpen, breakers.State("openai"))
}

func TestExecutor_BreakerOpensMidRun(t *testing.T) {
	e, breakers, _ := newTestExecutor(2)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
		calls++
		return types.NewError(types.ErrProvider, "transient")
	})

	// Two failures open the breaker; the third attempt is rejected before
	// the function runs.
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.Equal(t, circuitbreaker.StateOpen, breakers.State("openai"))
}

func TestExecutor_ValidationFailuresDoNotFeedBreaker(t *testing.T) {
	e, breakers, _ := newTestExecutor(2)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
		calls++
		return types.NewError(types.ErrValidation, "malformed output")
	})

	// Validation failures are retried to exhaustion without opening the
	// breaker.
	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, circuitbreaker.StateClosed, breakers.State("openai"))
}

func TestExecutor_ContextCancelStopsRetries(t *testing.T) {
	e, _, _ := newTestExecutor(100)
	e.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(ctx, "openai", FixedDelay(time.Hour, 3), func(ctx context.Context) error {
			calls++
			return types.NewError(types.ErrProvider, "transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecutor_UntypedErrorsAreRetried(t *testing.T) {
	e, _, _ := newTestExecutor(100)

	calls := 0
	err := e.Run(context.Background(), "openai", FixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
		calls++
		return errors.New("opaque provider failure")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_NormalizedCanonicalForms(t *testing.T) {
	// Zero value lowers to a single attempt.
	p := Policy{}.Normalized()
	assert.Equal(t, NoRetry(), p)

	// None clears backoff parameters.
	p = Policy{Kind: KindNone, MaxAttempts: 7, Delay: time.Second}.Normalized()
	assert.Equal(t, NoRetry(), p)

	// Exponential fills defaults and clears Delay.
	p = Policy{Kind: KindExponentialBackoff, MaxAttempts: 3, Delay: time.Second}.Normalized()
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Zero(t, p.Delay)

	// Fixed clears exponential parameters.
	p = Policy{Kind: KindFixedDelay, MaxAttempts: 3, Delay: time.Second, Multiplier: 3}.Normalized()
	assert.Zero(t, p.Multiplier)
}

func TestProperty_FailingRunConsumesExactlyMaxAttempts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("a persistently failing fn is invoked exactly MaxAttempts times", prop.ForAll(
		func(maxAttempts int) bool {
			e, _, _ := newTestExecutor(1000)

			calls := 0
			err := e.Run(context.Background(), "key", FixedDelay(time.Millisecond, maxAttempts),
				func(ctx context.Context) error {
					calls++
					return types.NewError(types.ErrProvider, "transient")
				})
			return err != nil && calls == maxAttempts
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
