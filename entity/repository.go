package entity

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrentModification is returned when the step reference changed
	// between the read and the conditional write
	ErrConcurrentModification = errors.New("entity was modified concurrently")
)

// Repository is the persistence collaborator the engine writes through.
// Implementations must make AdvanceWorkflowStep a compare-and-set on the
// current step reference.
type Repository interface {
	// Get loads a fresh snapshot
	Get(ctx context.Context, id string) (Snapshot, error)

	// UpdateField writes a single string-encoded field value and returns the updated snapshot
	UpdateField(ctx context.Context, id, field, value string) (Snapshot, error)

	// AdvanceWorkflowStep moves the entity from expectedStepID to stepID
	AdvanceWorkflowStep(ctx context.Context, id, expectedStepID, stepID string) (Snapshot, error)
}

// Lister enumerates entities of one type, used by scheduled triggers
type Lister interface {
	ListByType(ctx context.Context, t Type) ([]Snapshot, error)
}

// StepResolver supplies the workflow and status of a step so repositories
// can keep the denormalized step columns in sync
type StepResolver interface {
	StepPlacement(ctx context.Context, stepID string) (workflowID, statusID string, err error)
}

// Store is a full entity backend: the engine's repository plus listing and inserts
type Store interface {
	Repository
	Lister
	Insert(ctx context.Context, s Snapshot) error
}
