// Package registry tracks agent records by id for the kernel's lifetime.
package registry

import (
	"sync"

	"github.com/hivedev/hive/internal/common/errors"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	TeamID    string
	State     v1.AgentState
	MetaKey   string
	MetaValue string
}

// Registry is a mutex-guarded map of agent records. Records are owned by the
// registry once registered and mutated only by the spawner that created them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*v1.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*v1.Agent),
	}
}

// Register inserts a new agent record. Fails if the id already exists, which
// should never happen given UUID generation.
func (r *Registry) Register(agent *v1.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return errors.Conflict("agent '" + agent.ID + "' already registered")
	}
	r.agents[agent.ID] = agent
	return nil
}

// Get returns the agent record for an id.
func (r *Registry) Get(id string) (*v1.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return nil, errors.NotFound("agent", id)
	}
	return agent, nil
}

// SetState updates an agent's lifecycle state.
func (r *Registry) SetState(id string, state v1.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return errors.NotFound("agent", id)
	}
	agent.State = state
	return nil
}

// Remove deletes an agent record. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// List returns the agents matching the filter. A snapshot is taken under the
// lock and filtering happens outside it, so concurrent mutation is never
// blocked by a slow caller.
func (r *Registry) List(f Filter) []*v1.Agent {
	r.mu.RLock()
	snapshot := make([]*v1.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		snapshot = append(snapshot, agent)
	}
	r.mu.RUnlock()

	result := make([]*v1.Agent, 0, len(snapshot))
	for _, agent := range snapshot {
		if f.TeamID != "" && agent.TeamID != f.TeamID {
			continue
		}
		if f.State != "" && agent.State != f.State {
			continue
		}
		if f.MetaKey != "" {
			val, ok := agent.Metadata[f.MetaKey]
			if !ok || (f.MetaValue != "" && val != f.MetaValue) {
				continue
			}
		}
		result = append(result, agent)
	}
	return result
}
