package persistence

import (
	"errors"

	"github.com/mkarlsen/stepflow/pkg/api"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition is not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")
)

// DefinitionStore handles storage of sealed workflow definitions. A
// definition is owned by the store once sealed; the engine never mutates
// stored definitions beyond their lifecycle status.
type DefinitionStore interface {
	CreateDefinition(def api.WorkflowDefinition) error
	GetDefinition(id string) (api.WorkflowDefinition, error)
	UpdateDefinitionStatus(id string, status api.DefinitionStatus) error
	ListDefinitions() ([]api.WorkflowDefinition, error)
}

// InstanceFilter selects instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	DefinitionID string
	Status       api.InstanceStatus
}

// InstanceStore handles storage of workflow instances. The engine persists
// every state transition through this boundary and never accesses storage
// directly.
type InstanceStore interface {
	CreateInstance(inst *api.WorkflowInstance) error
	GetInstance(id string) (*api.WorkflowInstance, error)
	UpdateStatus(id string, status api.InstanceStatus, errMsg string) error
	UpdateCurrentStep(id string, stepID string) error
	UpdateContext(id string, context map[string]any) error
	UpdateWait(id string, wait *api.WaitState) error
	ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error)
}

// EventStore records the append-only instance history.
type EventStore interface {
	AppendEvent(ev api.WorkflowEvent) error
	ListEvents(instanceID string) ([]api.WorkflowEvent, error)
}
