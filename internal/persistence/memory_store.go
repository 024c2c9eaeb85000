package persistence

import (
	"sync"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of DefinitionStore,
// InstanceStore and EventStore backed by maps. It hands out clones, never
// internal pointers.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]api.WorkflowDefinition
	instances   map[string]*api.WorkflowInstance
	events      map[string][]api.WorkflowEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]api.WorkflowDefinition),
		instances:   make(map[string]*api.WorkflowInstance),
		events:      make(map[string][]api.WorkflowEvent),
	}
}

// Ensure InMemoryStore implements the store interfaces.
var _ DefinitionStore = (*InMemoryStore)(nil)

var _ InstanceStore = (*InMemoryStore)(nil)

var _ EventStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateDefinition(def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(id string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return api.WorkflowDefinition{}, ErrDefinitionNotFound
	}
	return def, nil
}

func (s *InMemoryStore) UpdateDefinitionStatus(id string, status api.DefinitionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok {
		return ErrDefinitionNotFound
	}
	def.Status = status
	def.UpdatedAt = time.Now()
	s.definitions[id] = def
	return nil
}

func (s *InMemoryStore) ListDefinitions() ([]api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	return out, nil
}

func (s *InMemoryStore) CreateInstance(inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) UpdateStatus(id string, status api.InstanceStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Status = status
	inst.Error = errMsg
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpdateCurrentStep(id string, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CurrentStep = stepID
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpdateContext(id string, context map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	cp := make(map[string]any, len(context))
	for k, v := range context {
		cp[k] = v
	}
	inst.Context = cp
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) UpdateWait(id string, wait *api.WaitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if wait == nil {
		inst.Wait = nil
	} else {
		w := *wait
		inst.Wait = &w
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst.Clone())
	}
	return result, nil
}

func (s *InMemoryStore) AppendEvent(ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[instanceID]
	out := make([]api.WorkflowEvent, len(evs))
	copy(out, evs)
	return out, nil
}
