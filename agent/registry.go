package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Registry holds registered agents keyed by identity. Names are unique;
// duplicate registration is a fatal configuration error.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	// order preserves registration order for listing.
	order  []string
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds a registered agent. Registering an identity twice fails
// with DUPLICATE_AGENT.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.ID() == "" {
		return types.NewError(types.ErrConfiguration, "agent identity is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID()]; exists {
		return types.NewError(types.ErrDuplicateAgent,
			fmt.Sprintf("agent %q is already registered", a.ID()))
	}
	r.agents[a.ID()] = a
	r.order = append(r.order, a.ID())

	r.logger.Info("agent registered",
		zap.String("id", a.ID()),
		zap.String("capability", string(a.Capability())),
	)
	return nil
}

// Get returns the agent registered under id, or UNKNOWN_AGENT.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, types.NewError(types.ErrUnknownAgent,
			fmt.Sprintf("agent %q is not registered", id))
	}
	return a, nil
}

// Contains reports whether id names a registered agent.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns registered identities in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
