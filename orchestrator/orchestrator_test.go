package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/agent"
	"github.com/BaSui01/stageflow/memory"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

type stubProvider struct{ name string }

func (p stubProvider) Name() string { return p.name }

func (p stubProvider) Invoke(ctx context.Context, prompt string, _ map[string]string) (string, error) {
	return "out", nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store := memory.NewInMemoryStore(memory.InMemoryStoreConfig{Cap: 10}, nil)
	o := New(store, nil)
	o.RegisterProvider(stubProvider{name: "openai"})
	return o
}

func TestOrchestrator_ResolveRegisteredAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "writer", Provider: "openai"}))

	a, err := o.ResolveAgent(workflow.StageDefinition{ID: "draft", AgentID: "writer"})
	require.NoError(t, err)
	assert.Equal(t, "writer", a.ID())

	// The same identity resolves to the same agent.
	b, err := o.ResolveAgent(workflow.StageDefinition{ID: "edit", AgentID: "writer"})
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestOrchestrator_UnknownAgentCarriesStage(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.ResolveAgent(workflow.StageDefinition{ID: "draft", AgentID: "ghost"})
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrUnknownAgent, e.Code)
	assert.Equal(t, "draft", e.StageID)
}

func TestOrchestrator_EphemeralAgentsAreFresh(t *testing.T) {
	o := newTestOrchestrator(t)

	def := workflow.StageDefinition{ID: "draft", Capability: agent.CapabilityWriter, Provider: "openai"}
	a, err := o.ResolveAgent(def)
	require.NoError(t, err)
	b, err := o.ResolveAgent(def)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.ID(), "ephemeral-writer-"))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestOrchestrator_EphemeralDefaultsToSoleProvider(t *testing.T) {
	o := newTestOrchestrator(t)

	// One provider registered: an empty provider name resolves to it.
	_, err := o.ResolveAgent(workflow.StageDefinition{ID: "draft", Capability: agent.CapabilityGeneric})
	assert.NoError(t, err)

	// Two providers: the reference must be explicit.
	o.RegisterProvider(stubProvider{name: "anthropic"})
	_, err = o.ResolveAgent(workflow.StageDefinition{ID: "draft", Capability: agent.CapabilityGeneric})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestOrchestrator_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.ResolveAgent(workflow.StageDefinition{ID: "draft", Provider: "ghost"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))

	err = o.RegisterAgent(agent.Config{ID: "writer", Provider: "ghost"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestOrchestrator_DuplicateAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "writer", Provider: "openai"}))

	err := o.RegisterAgent(agent.Config{ID: "writer", Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateAgent, types.GetErrorCode(err))
}

func TestOrchestrator_MemoryOnlyForRegisteredIdentities(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "writer", Provider: "openai"}))

	input := types.TaskInput{Prompt: "write a report"}
	result := types.TaskResult{Output: "the report"}

	require.NoError(t, o.RecordExchange(ctx, "writer", input, result))
	require.NoError(t, o.RecordExchange(ctx, "ephemeral-generic-abc123", input, result))

	lines, err := o.History(ctx, "writer")
	require.NoError(t, err)
	assert.Equal(t, []string{"input: write a report", "output: the report"}, lines)

	// Ephemeral identities never accumulate memory.
	lines, err = o.History(ctx, "ephemeral-generic-abc123")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestOrchestrator_HistoryOrderAcrossExchanges(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "writer", Provider: "openai"}))

	require.NoError(t, o.RecordExchange(ctx, "writer",
		types.TaskInput{Prompt: "first"}, types.TaskResult{Output: "one"}))
	require.NoError(t, o.RecordExchange(ctx, "writer",
		types.TaskInput{Prompt: "second"}, types.TaskResult{Output: "two"}))

	lines, err := o.History(ctx, "writer")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"input: first", "output: one",
		"input: second", "output: two",
	}, lines)
}

func TestOrchestrator_AgentsListsRegistrationOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "b", Provider: "openai"}))
	require.NoError(t, o.RegisterAgent(agent.Config{ID: "a", Provider: "openai"}))

	assert.Equal(t, []string{"b", "a"}, o.Agents())
}
