// Package store provides storage backends for ConvoFlow.
//
// This file implements an in-memory store used by tests and single-node
// setups without a database.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store.
type InMemoryStore struct {
	mu          sync.RWMutex
	flows       map[string]models.Flow
	steps       map[string]models.Step
	transitions []models.Transition
	contacts    map[string]models.Contact
	profiles    map[string]models.CustomerProfile
	states      map[string]models.ContactFlowState // keyed by contact ID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		steps:    make(map[string]models.Step),
		contacts: make(map[string]models.Contact),
		profiles: make(map[string]models.CustomerProfile),
		states:   make(map[string]models.ContactFlowState),
	}
}

func (s *InMemoryStore) ListActiveFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.Active {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	return flows, nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.flows[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetFlowByName(name string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flows {
		if f.Name == name {
			return &f, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetStep(id string) (*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.steps[id]; ok {
		return &st, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetEntryStep(flowID string) (*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.steps {
		if st.FlowID == flowID && st.IsEntryPoint {
			step := st
			return &step, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveStep(st models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[st.ID] = st
	return nil
}

func (s *InMemoryStore) ListTransitions(fromStepID string) ([]models.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Transition
	for _, t := range s.transitions {
		if t.FromStepID == fromStepID {
			out = append(out, t)
		}
	}
	// Declaration order is insertion order; stable sort keeps ties in it.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *InMemoryStore) SaveTransition(t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.transitions {
		if existing.ID == t.ID {
			s.transitions[i] = t
			return nil
		}
	}
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contacts[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveContact(c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetCustomerProfile(id string) (*models.CustomerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveCustomerProfile(p models.CustomerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetContactFlowState(contactID string) (*models.ContactFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[contactID]; ok {
		return &st, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SaveContactFlowState(st models.ContactFlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ContactID] = st
	return nil
}

func (s *InMemoryStore) DeleteContactFlowState(contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, contactID)
	return nil
}

func (s *InMemoryStore) DeleteInactiveFlowStates(olderThan time.Time) ([]models.ContactFlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []models.ContactFlowState
	for contactID, st := range s.states {
		if st.UpdatedAt.Before(olderThan) {
			removed = append(removed, st)
			delete(s.states, contactID)
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error { return nil }
