package workflow

import (
	"context"
	"errors"

	"github.com/liamcoop/dealflow/entity"
)

// Source says where an effective probability came from
type Source string

const (
	SourceManual Source = "manual"
	SourceStep   Source = "step"
	SourceNone   Source = "none"
)

// Resolution is an entity's effective win probability
type Resolution struct {
	Value  *float64 `json:"value"`
	Source Source   `json:"source"`
}

// ProbabilityResolver derives the effective probability of a deal
type ProbabilityResolver struct {
	graph *StepGraph
}

// NewProbabilityResolver creates a resolver reading steps through graph
func NewProbabilityResolver(graph *StepGraph) *ProbabilityResolver {
	return &ProbabilityResolver{graph: graph}
}

// Resolve prefers the entity's manual override, which may be 0, then the
// current step's deal_probability. A missing or unknown step resolves to none.
func (r *ProbabilityResolver) Resolve(ctx context.Context, s entity.Snapshot) (Resolution, error) {
	if s.ManualProbability != nil {
		v := *s.ManualProbability
		return Resolution{Value: &v, Source: SourceManual}, nil
	}
	if s.CurrentStepID == "" {
		return Resolution{Source: SourceNone}, nil
	}

	step, err := r.graph.Step(ctx, s.CurrentStepID)
	if errors.Is(err, ErrStepNotFound) {
		return Resolution{Source: SourceNone}, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	if p, ok := step.EffectiveProbability(); ok {
		return Resolution{Value: &p, Source: SourceStep}, nil
	}
	return Resolution{Source: SourceNone}, nil
}
