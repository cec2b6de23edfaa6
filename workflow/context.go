package workflow

import (
	"fmt"
	"sync"

	"github.com/BaSui01/stageflow/types"
)

// Context is the pipeline-scoped result accumulator: stage id -> TaskResult
// in insertion order. It is the only cross-stage mutable state and is owned
// by the scheduler for the lifetime of one run; entries are write-once.
type Context struct {
	mu      sync.RWMutex
	order   []string
	results map[string]types.TaskResult
}

// NewContext creates an empty workflow context.
func NewContext() *Context {
	return &Context{results: make(map[string]types.TaskResult)}
}

// Put commits a stage result. Writing the same stage id twice is a
// programming error and is rejected.
func (c *Context) Put(stageID string, result types.TaskResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.results[stageID]; exists {
		return fmt.Errorf("stage %q result already committed", stageID)
	}
	c.results[stageID] = result
	c.order = append(c.order, stageID)
	return nil
}

// Get returns the committed result for a stage id.
func (c *Context) Get(stageID string) (types.TaskResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[stageID]
	return result, ok
}

// Len returns the number of committed results.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Snapshot returns all committed results in insertion order.
func (c *Context) Snapshot() []types.TaskResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.TaskResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.results[id])
	}
	return out
}
