package factory

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/agentvisor/core"
)

// Registry maps agent type names onto constructors. It is read-mostly:
// registration happens at start-up, lookups happen on every attempt.
type Registry struct {
	constructors map[string]core.Constructor
	mu           sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]core.Constructor)}
}

// Register binds agentType to c. Registering the same type twice replaces the
// previous constructor; runs already in flight keep the instance they have.
func (r *Registry) Register(agentType string, c core.Constructor) error {
	if strings.TrimSpace(agentType) == "" {
		return fmt.Errorf("factory: agent type is required")
	}
	if c == nil {
		return fmt.Errorf("factory: constructor for %q is nil", agentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[agentType] = c

	return nil
}

// Lookup returns the constructor registered for agentType.
func (r *Registry) Lookup(agentType string) (core.Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.constructors[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownAgentType, agentType)
	}

	return c, nil
}

// Has reports whether agentType is registered.
func (r *Registry) Has(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[agentType]
	return ok
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	slices.Sort(types)

	return types
}
