package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/dealflow/entity"
)

// StepGraph answers ordering and reachability questions over workflow steps.
// Lookups are memoized, so a graph should live for one request only.
type StepGraph struct {
	store     Store
	steps     map[string]Step
	workflows map[string]Workflow
	mu        sync.Mutex
}

// NewStepGraph creates a graph reading through store
func NewStepGraph(store Store) *StepGraph {
	return &StepGraph{
		store:     store,
		steps:     make(map[string]Step),
		workflows: make(map[string]Workflow),
	}
}

// Step returns a step by ID
func (g *StepGraph) Step(ctx context.Context, id string) (Step, error) {
	g.mu.Lock()
	s, ok := g.steps[id]
	g.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := g.store.Step(ctx, id)
	if err != nil {
		return Step{}, err
	}

	g.mu.Lock()
	g.steps[id] = s
	g.mu.Unlock()
	return s, nil
}

func (g *StepGraph) workflow(ctx context.Context, id string) (Workflow, error) {
	g.mu.Lock()
	w, ok := g.workflows[id]
	g.mu.Unlock()
	if ok {
		return w, nil
	}

	w, err := g.store.Workflow(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	SortSteps(w.Steps)

	g.mu.Lock()
	g.workflows[id] = w
	for _, s := range w.Steps {
		g.steps[s.ID] = s
	}
	g.mu.Unlock()
	return w, nil
}

// OrderedSteps returns the workflow's steps sorted by order
func (g *StepGraph) OrderedSteps(ctx context.Context, workflowID string) ([]Step, error) {
	w, err := g.workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return append([]Step(nil), w.Steps...), nil
}

// IsValidTransition reports whether an entity on fromStepID may move to
// toStepID. Any move between two existing steps of the same workflow is
// allowed, including backward moves and skips. Unknown steps are not an
// error, they are simply not valid targets.
func (g *StepGraph) IsValidTransition(ctx context.Context, fromStepID, toStepID string) (bool, error) {
	from, err := g.Step(ctx, fromStepID)
	if errors.Is(err, ErrStepNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	to, err := g.Step(ctx, toStepID)
	if errors.Is(err, ErrStepNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return from.WorkflowID == to.WorkflowID, nil
}

// IsFinal reports whether a step is a terminal stage
func (g *StepGraph) IsFinal(ctx context.Context, stepID string) (bool, error) {
	s, err := g.Step(ctx, stepID)
	if err != nil {
		return false, err
	}
	return s.IsFinal, nil
}

// CanEnter checks a target step for an entity that is not on a known step.
// The step must belong to the entity's workflow, or, when the entity has
// none, to an active workflow for its entity type.
func (g *StepGraph) CanEnter(ctx context.Context, s entity.Snapshot, toStepID string) (bool, string, error) {
	to, err := g.Step(ctx, toStepID)
	if errors.Is(err, ErrStepNotFound) {
		return false, "target step does not exist", nil
	}
	if err != nil {
		return false, "", err
	}

	if s.WorkflowID != "" {
		if to.WorkflowID != s.WorkflowID {
			return false, fmt.Sprintf("step belongs to workflow %s, entity is in %s", to.WorkflowID, s.WorkflowID), nil
		}
		return true, "", nil
	}

	w, err := g.workflow(ctx, to.WorkflowID)
	if err != nil {
		return false, "", err
	}
	if w.EntityType != s.Type {
		return false, fmt.Sprintf("workflow %s serves %s, not %s", w.ID, w.EntityType, s.Type), nil
	}
	if !w.Active {
		return false, fmt.Sprintf("workflow %s is inactive", w.ID), nil
	}
	return true, "", nil
}
