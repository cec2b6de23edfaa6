package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/types"
)

// stubProvider records prompts and returns scripted output.
type stubProvider struct {
	name    string
	output  string
	err     error
	prompts []string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Invoke(ctx context.Context, prompt string, _ map[string]string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return "", p.err
	}
	return p.output, nil
}

func TestBaseAgent_ExecuteReturnsProviderOutput(t *testing.T) {
	provider := &stubProvider{name: "stub", output: "the answer"}
	a := NewBaseAgent("writer", CapabilityWriter, "", provider, nil)

	result, err := a.Execute(context.Background(), types.TaskInput{Prompt: "write something"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, "writer", result.AgentID)
	assert.True(t, result.Success)
}

func TestBaseAgent_ProviderErrorIsProviderCode(t *testing.T) {
	provider := &stubProvider{name: "stub", err: errors.New("connection reset")}
	a := NewBaseAgent("writer", CapabilityWriter, "", provider, nil)

	_, err := a.Execute(context.Background(), types.TaskInput{Prompt: "write"})
	require.Error(t, err)
	assert.Equal(t, types.ErrProvider, types.GetErrorCode(err))
	assert.ErrorContains(t, err, "connection reset")
}

func TestBaseAgent_TypedProviderErrorPassesThrough(t *testing.T) {
	provider := &stubProvider{name: "stub", err: types.NewError(types.ErrValidation, "refused")}
	a := NewBaseAgent("writer", CapabilityWriter, "", provider, nil)

	_, err := a.Execute(context.Background(), types.TaskInput{Prompt: "write"})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestBaseAgent_NoProviderIsConfigurationError(t *testing.T) {
	a := NewBaseAgent("writer", CapabilityWriter, "", nil, nil)

	_, err := a.Execute(context.Background(), types.TaskInput{Prompt: "write"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestBaseAgent_PromptRendering(t *testing.T) {
	provider := &stubProvider{name: "stub", output: "ok"}
	a := NewBaseAgent("writer", CapabilityWriter, "You are concise.", provider, nil)

	input := types.TaskInput{
		Prompt:   "Write the report",
		Upstream: map[string]string{"analyze": "numbers look good"},
		History:  []string{"input: earlier question", "output: earlier answer"},
		Feedback: []string{"add a summary section"},
	}
	_, err := a.Execute(context.Background(), input)
	require.NoError(t, err)

	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	assert.True(t, strings.HasPrefix(prompt, "You are concise."))
	assert.Contains(t, prompt, "earlier answer")
	assert.Contains(t, prompt, "[analyze] numbers look good")
	assert.Contains(t, prompt, "add a summary section")
	assert.True(t, strings.HasSuffix(prompt, "Write the report"))
}

func TestBaseAgent_PromptRenderingIsDeterministic(t *testing.T) {
	provider := &stubProvider{name: "stub", output: "ok"}
	a := NewBaseAgent("writer", CapabilityWriter, "", provider, nil)

	input := types.TaskInput{
		Prompt: "combine",
		Upstream: map[string]string{
			"c": "third", "a": "first", "b": "second",
		},
	}

	for i := 0; i < 10; i++ {
		_, err := a.Execute(context.Background(), input)
		require.NoError(t, err)
	}

	first := provider.prompts[0]
	for _, p := range provider.prompts[1:] {
		assert.Equal(t, first, p)
	}
	// Upstream sections render in sorted stage order.
	assert.Less(t, strings.Index(first, "[a]"), strings.Index(first, "[b]"))
	assert.Less(t, strings.Index(first, "[b]"), strings.Index(first, "[c]"))
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry(nil)
	provider := &stubProvider{name: "stub"}

	require.NoError(t, r.Register(NewBaseAgent("writer", CapabilityWriter, "", provider, nil)))

	err := r.Register(NewBaseAgent("writer", CapabilityAnalyst, "", provider, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateAgent, types.GetErrorCode(err))
}

func TestRegistry_UnknownAgent(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownAgent, types.GetErrorCode(err))
	assert.False(t, r.Contains("ghost"))
}

func TestRegistry_ListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	provider := &stubProvider{name: "stub"}

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(NewBaseAgent(id, CapabilityGeneric, "", provider, nil)))
	}
	assert.Equal(t, []string{"c", "a", "b"}, r.List())
}

func TestNewEphemeral_UniqueIdentities(t *testing.T) {
	provider := &stubProvider{name: "stub"}

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		a, err := NewEphemeral(CapabilityAnalyst, "", provider, nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(a.ID(), "ephemeral-analyst-"))
		assert.False(t, seen[a.ID()], "ephemeral identity reused: %s", a.ID())
		seen[a.ID()] = true
	}
}

func TestNewEphemeral_CapabilityAndPromptDefaults(t *testing.T) {
	provider := &stubProvider{name: "stub", output: "ok"}

	a, err := NewEphemeral(CapabilitySummarizer, "", provider, nil)
	require.NoError(t, err)
	assert.Equal(t, CapabilitySummarizer, a.Capability())

	_, err = a.Execute(context.Background(), types.TaskInput{Prompt: "summarize this"})
	require.NoError(t, err)
	assert.Contains(t, provider.prompts[0], "summarizer")
}

func TestNewEphemeral_SystemPromptOverride(t *testing.T) {
	provider := &stubProvider{name: "stub", output: "ok"}

	a, err := NewEphemeral(CapabilityAnalyst, "Custom instructions.", provider, nil)
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), types.TaskInput{Prompt: "go"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(provider.prompts[0], "Custom instructions."))

	// The override never leaks into the capability default.
	b, err := NewEphemeral(CapabilityAnalyst, "", provider, nil)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), types.TaskInput{Prompt: "go"})
	require.NoError(t, err)
	assert.Contains(t, provider.prompts[1], "analyst")
	assert.NotContains(t, provider.prompts[1], "Custom instructions.")
}

func TestNewEphemeral_UnknownCapability(t *testing.T) {
	provider := &stubProvider{name: "stub"}

	_, err := NewEphemeral(Capability("alchemist"), "", provider, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestNewEphemeral_EmptyCapabilityDefaultsToGeneric(t *testing.T) {
	provider := &stubProvider{name: "stub"}

	a, err := NewEphemeral("", "", provider, nil)
	require.NoError(t, err)
	assert.Equal(t, CapabilityGeneric, a.Capability())
	assert.True(t, strings.HasPrefix(a.ID(), "ephemeral-generic-"))
}
