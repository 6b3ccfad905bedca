package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository implements Repository and Lister using an in-memory map.
// Thread-safe for concurrent access.
type InMemoryRepository struct {
	registry *Registry
	steps    StepResolver
	entities map[string]Snapshot
	mu       sync.RWMutex
}

// NewInMemoryRepository creates an empty repository. steps may be nil, in
// which case only the step ID is recorded on AdvanceWorkflowStep.
func NewInMemoryRepository(registry *Registry, steps StepResolver) *InMemoryRepository {
	return &InMemoryRepository{
		registry: registry,
		steps:    steps,
		entities: make(map[string]Snapshot),
	}
}

// Put stores a copy of the snapshot, replacing any existing one
func (r *InMemoryRepository) Put(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(s)
}

// Insert stores a new snapshot, failing if the ID is taken
func (r *InMemoryRepository) Insert(ctx context.Context, s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[s.ID]; exists {
		return fmt.Errorf("entity %s already exists", s.ID)
	}
	r.put(s)
	return nil
}

func (r *InMemoryRepository) put(s Snapshot) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	r.entities[s.ID] = s.Clone()
}

// Get returns a copy of the stored snapshot
func (r *InMemoryRepository) Get(ctx context.Context, id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.entities[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// UpdateField applies a single field write through the registry
func (r *InMemoryRepository) UpdateField(ctx context.Context, id, field, value string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entities[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := s.Clone()
	if err := r.registry.Apply(&updated, field, value); err != nil {
		return Snapshot{}, err
	}
	updated.Version++
	updated.UpdatedAt = time.Now()
	r.entities[id] = updated
	return updated.Clone(), nil
}

// AdvanceWorkflowStep moves the entity to stepID if it is still on expectedStepID
func (r *InMemoryRepository) AdvanceWorkflowStep(ctx context.Context, id, expectedStepID, stepID string) (Snapshot, error) {
	var workflowID, statusID string
	if r.steps != nil {
		var err error
		workflowID, statusID, err = r.steps.StepPlacement(ctx, stepID)
		if err != nil {
			return Snapshot{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entities[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.CurrentStepID != expectedStepID {
		return Snapshot{}, fmt.Errorf("%w: %s is on step %q, expected %q", ErrConcurrentModification, id, s.CurrentStepID, expectedStepID)
	}

	updated := s.Clone()
	updated.CurrentStepID = stepID
	if workflowID != "" {
		updated.WorkflowID = workflowID
	}
	if statusID != "" {
		updated.CurrentStatusID = statusID
	}
	updated.Version++
	updated.UpdatedAt = time.Now()
	r.entities[id] = updated
	return updated.Clone(), nil
}

// ListByType returns all entities of type t ordered by ID
func (r *InMemoryRepository) ListByType(ctx context.Context, t Type) ([]Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, s := range r.entities {
		if s.Type == t {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
