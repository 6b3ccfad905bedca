package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/dealflow/entity"
)

// Store reads workflow definitions. Implementations also satisfy
// entity.StepResolver so repositories can keep placement columns in sync.
type Store interface {
	// Workflow returns a workflow with its steps sorted by order
	Workflow(ctx context.Context, id string) (Workflow, error)

	// Workflows lists workflows for an entity type, or all when entityType is empty
	Workflows(ctx context.Context, entityType entity.Type) ([]Workflow, error)

	// Step returns a single step
	Step(ctx context.Context, id string) (Step, error)

	// StepPlacement returns the workflow and status a step belongs to
	StepPlacement(ctx context.Context, stepID string) (workflowID, statusID string, err error)
}

// InMemoryStore implements Store using in-memory maps
type InMemoryStore struct {
	workflows map[string]Workflow
	steps     map[string]Step
	mu        sync.RWMutex
}

// NewInMemoryStore creates an empty workflow store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]Workflow),
		steps:     make(map[string]Step),
	}
}

// Save validates and stores a workflow, replacing any previous version
func (s *InMemoryStore) Save(_ context.Context, w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range w.Steps {
		if existing, ok := s.steps[step.ID]; ok && existing.WorkflowID != w.ID {
			return fmt.Errorf("step %s already belongs to workflow %s", step.ID, existing.WorkflowID)
		}
	}
	if previous, ok := s.workflows[w.ID]; ok {
		for _, step := range previous.Steps {
			delete(s.steps, step.ID)
		}
	}

	w.Steps = append([]Step(nil), w.Steps...)
	for i := range w.Steps {
		w.Steps[i].WorkflowID = w.ID
		s.steps[w.Steps[i].ID] = w.Steps[i]
	}
	SortSteps(w.Steps)
	s.workflows[w.ID] = w
	return nil
}

// Workflow returns a workflow by ID
func (s *InMemoryStore) Workflow(_ context.Context, id string) (Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	w.Steps = append([]Step(nil), w.Steps...)
	return w, nil
}

// Workflows lists workflows sorted by name
func (s *InMemoryStore) Workflows(_ context.Context, entityType entity.Type) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Workflow{}
	for _, w := range s.workflows {
		if entityType != "" && w.EntityType != entityType {
			continue
		}
		w.Steps = append([]Step(nil), w.Steps...)
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Step returns a step by ID
func (s *InMemoryStore) Step(_ context.Context, id string) (Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	return step, nil
}

// StepPlacement returns the workflow and status of a step
func (s *InMemoryStore) StepPlacement(ctx context.Context, stepID string) (string, string, error) {
	step, err := s.Step(ctx, stepID)
	if err != nil {
		return "", "", err
	}
	return step.WorkflowID, step.Status.ID, nil
}

// MutableStore is a Store that also accepts workflow definitions
type MutableStore interface {
	Store
	Save(ctx context.Context, w Workflow) error
}
