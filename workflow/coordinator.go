package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/internal/metrics"
	"github.com/liamcoop/dealflow/rules"
)

// Dispatcher raises rule events; *rules.TriggerDispatcher and *rules.Engine satisfy it
type Dispatcher interface {
	Dispatch(ctx context.Context, ev rules.Event) rules.RuleEvaluationSummary
}

// PermissionChecker answers whether an actor holds a permission
type PermissionChecker interface {
	Has(ctx context.Context, actorUserID, permission string) (bool, error)
}

// TransitionResult is returned by a successful move
type TransitionResult struct {
	Entity        entity.Snapshot
	Summary       rules.RuleEvaluationSummary
	TargetIsFinal bool
	Probability   Resolution

	// Moved is false when the entity was already on the target step
	Moved bool
}

// Coordinator moves entities between workflow steps and raises the
// resulting FIELD_CHANGE event
type Coordinator struct {
	entities    entity.Repository
	store       Store
	dispatcher  Dispatcher
	permissions PermissionChecker
}

// NewCoordinator creates a coordinator. A nil permissions checker allows every actor.
func NewCoordinator(entities entity.Repository, store Store, dispatcher Dispatcher, permissions PermissionChecker) *Coordinator {
	return &Coordinator{
		entities:    entities,
		store:       store,
		dispatcher:  dispatcher,
		permissions: permissions,
	}
}

// MoveEntityToStep validates and persists a step move, then dispatches the
// STAGE_CHANGED rules. Rejected, unauthorized and unpersisted moves return an
// error and run no rules. Rule failures never fail the move; they are in the
// returned summary.
func (c *Coordinator) MoveEntityToStep(ctx context.Context, entityID, targetStepID, actorUserID string) (TransitionResult, error) {
	s, err := c.entities.Get(ctx, entityID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to load entity: %w", err)
	}

	if err := c.authorize(ctx, s, actorUserID); err != nil {
		metrics.WorkflowTransitions.WithLabelValues(string(s.Type), "denied").Inc()
		return TransitionResult{}, err
	}

	graph := NewStepGraph(c.store)

	if s.CurrentStepID == targetStepID {
		metrics.WorkflowTransitions.WithLabelValues(string(s.Type), "unchanged").Inc()
		return c.result(ctx, graph, s, targetStepID, rules.RuleEvaluationSummary{
			EntityID:    s.ID,
			EntityType:  s.Type,
			TriggerType: rules.TriggerFieldChange,
			Results:     []rules.RuleResult{},
		}, false)
	}

	if err := c.validate(ctx, graph, s, targetStepID); err != nil {
		metrics.WorkflowTransitions.WithLabelValues(string(s.Type), "rejected").Inc()
		return TransitionResult{}, err
	}

	updated, err := c.entities.AdvanceWorkflowStep(ctx, s.ID, s.CurrentStepID, targetStepID)
	if err != nil {
		metrics.WorkflowTransitions.WithLabelValues(string(s.Type), "failed").Inc()
		return TransitionResult{}, fmt.Errorf("failed to persist step move: %w", err)
	}
	metrics.WorkflowTransitions.WithLabelValues(string(s.Type), "moved").Inc()

	logger.Info("entity moved to workflow step",
		"entity_id", s.ID,
		"entity_type", string(s.Type),
		"from_step", s.CurrentStepID,
		"to_step", targetStepID,
		"actor", actorUserID,
	)

	summary := c.dispatcher.Dispatch(ctx, rules.Event{
		EntityType:    updated.Type,
		TriggerType:   rules.TriggerFieldChange,
		Lifecycle:     rules.EventStageChanged,
		ChangedFields: []string{rules.StepField},
		Snapshot:      updated,
		ActorUserID:   actorUserID,
	})

	if latest, err := c.entities.Get(ctx, s.ID); err == nil {
		updated = latest
	} else {
		logger.Warn("failed to reload entity after dispatch", "entity_id", s.ID, "error", err)
	}
	return c.result(ctx, graph, updated, targetStepID, summary, true)
}

func (c *Coordinator) authorize(ctx context.Context, s entity.Snapshot, actorUserID string) error {
	if c.permissions == nil {
		return nil
	}
	permission := s.Type.Permission()
	ok, err := c.permissions.Has(ctx, actorUserID, permission)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, actorUserID, permission)
	}
	return nil
}

// validate rejects moves to unknown steps and steps of another workflow.
// An entity whose current step no longer resolves is treated like one
// entering its workflow for the first time.
func (c *Coordinator) validate(ctx context.Context, graph *StepGraph, s entity.Snapshot, targetStepID string) error {
	reject := func(reason string) error {
		return &TransitionError{EntityID: s.ID, FromStepID: s.CurrentStepID, ToStepID: targetStepID, Reason: reason}
	}

	if s.CurrentStepID != "" {
		_, err := graph.Step(ctx, s.CurrentStepID)
		switch {
		case err == nil:
			if _, err := graph.Step(ctx, targetStepID); errors.Is(err, ErrStepNotFound) {
				return reject("target step does not exist")
			}
			ok, err := graph.IsValidTransition(ctx, s.CurrentStepID, targetStepID)
			if err != nil {
				return fmt.Errorf("failed to validate transition: %w", err)
			}
			if !ok {
				return reject("target step belongs to a different workflow")
			}
			return nil
		case !errors.Is(err, ErrStepNotFound):
			return fmt.Errorf("failed to load current step: %w", err)
		}
	}

	ok, reason, err := graph.CanEnter(ctx, s, targetStepID)
	if err != nil {
		return fmt.Errorf("failed to validate transition: %w", err)
	}
	if !ok {
		return reject(reason)
	}
	return nil
}

func (c *Coordinator) result(ctx context.Context, graph *StepGraph, s entity.Snapshot, targetStepID string, summary rules.RuleEvaluationSummary, moved bool) (TransitionResult, error) {
	out := TransitionResult{Entity: s, Summary: summary, Moved: moved}

	if targetStepID != "" {
		final, err := graph.IsFinal(ctx, targetStepID)
		if err != nil && !errors.Is(err, ErrStepNotFound) {
			return TransitionResult{}, fmt.Errorf("failed to load target step: %w", err)
		}
		out.TargetIsFinal = final
	}

	probability, err := NewProbabilityResolver(graph).Resolve(ctx, s)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to resolve probability: %w", err)
	}
	out.Probability = probability
	return out, nil
}
