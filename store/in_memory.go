package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/flowmesh/core"
)

// InMemoryStore keeps flow and persona definitions in process-local maps.
// It implements both core.FlowLoader and core.AgentLoader and is safe for
// concurrent access. Returned flows are cloned so callers can never mutate
// stored definitions.
type InMemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]*core.Flow
	personas map[string]core.PersonaConfig
}

// NewInMemoryStore constructs an empty in-memory definition store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]*core.Flow),
		personas: make(map[string]core.PersonaConfig),
	}
}

// PutFlow validates and stores (or replaces) a flow definition.
func (s *InMemoryStore) PutFlow(flow *core.Flow) error {
	if flow.ID == "" {
		return fmt.Errorf("store: flow with empty id")
	}
	if err := flow.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow.Clone()
	return nil
}

// PutAgent validates and stores (or replaces) a persona card.
func (s *InMemoryStore) PutAgent(persona core.PersonaConfig) error {
	if err := persona.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[persona.ID] = persona
	return nil
}

// GetFlow implements core.FlowLoader, returning a clone of the stored flow.
func (s *InMemoryStore) GetFlow(_ context.Context, flowID string) (*core.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("store: %s: %w", flowID, core.ErrFlowNotFound)
	}
	return flow.Clone(), nil
}

// ResolveAgent implements core.AgentLoader.
func (s *InMemoryStore) ResolveAgent(_ context.Context, agentRef string) (*core.PersonaConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	persona, ok := s.personas[agentRef]
	if !ok {
		return nil, fmt.Errorf("store: %s: %w", agentRef, core.ErrAgentNotFound)
	}
	p := persona
	return &p, nil
}

// Flows returns the ids of all stored flows.
func (s *InMemoryStore) Flows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.flows))
	for id := range s.flows {
		ids = append(ids, id)
	}
	return ids
}
