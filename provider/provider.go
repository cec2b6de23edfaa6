// Package provider contains reasoning-provider adapters: a function
// adapter for custom backends, a token-bucket rate-limiting wrapper, and
// an echo provider for local dry runs.
package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/BaSui01/stageflow/types"
)

// Func adapts a plain function to the types.Provider contract.
type Func struct {
	ProviderName string
	Fn           func(ctx context.Context, prompt string, context map[string]string) (string, error)
}

// Name implements types.Provider.
func (f Func) Name() string { return f.ProviderName }

// Invoke implements types.Provider.
func (f Func) Invoke(ctx context.Context, prompt string, contextValues map[string]string) (string, error) {
	return f.Fn(ctx, prompt, contextValues)
}

// RateLimited wraps a provider with a token-bucket limiter so bursts of
// parallel stages do not exceed the backend's request budget.
type RateLimited struct {
	inner   types.Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner at rps requests per second with the given
// burst size.
func NewRateLimited(inner types.Provider, rps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name implements types.Provider.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Invoke blocks until a token is available, then delegates. A context
// expiring during the wait is reported as a PROVIDER error so the retry
// executor classifies it consistently with backend failures.
func (r *RateLimited) Invoke(ctx context.Context, prompt string, contextValues map[string]string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", types.NewError(types.ErrProvider, "rate limit wait canceled").WithCause(err)
	}
	return r.inner.Invoke(ctx, prompt, contextValues)
}

// Echo is a deterministic offline provider: it returns a short summary of
// the prompt it received. Useful for pipeline validation and demos.
type Echo struct{}

// Name implements types.Provider.
func (Echo) Name() string { return "echo" }

// Invoke implements types.Provider.
func (Echo) Invoke(ctx context.Context, prompt string, _ map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	const max = 120
	if runes := []rune(prompt); len(runes) > max {
		prompt = string(runes[:max]) + "..."
	}
	return fmt.Sprintf("echo: %s", prompt), nil
}
