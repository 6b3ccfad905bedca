package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/liamcoop/dealflow/entity"
)

// ProbabilityKey is the only step metadata key the engine interprets
const ProbabilityKey = "deal_probability"

// Status is a stage label shared across workflows
type Status struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// Step is one stage of a workflow. Entities refer to steps by ID.
type Step struct {
	ID         string         `json:"id" yaml:"id"`
	WorkflowID string         `json:"workflowId" yaml:"-"`
	Order      int            `json:"stepOrder" yaml:"order"`
	Status     Status         `json:"status" yaml:"status"`
	IsInitial  bool           `json:"isInitialStep" yaml:"initial,omitempty"`
	IsFinal    bool           `json:"isFinalStep" yaml:"final,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EffectiveProbability returns the step's deal_probability when it is a
// number in [0,1]
func (s Step) EffectiveProbability() (float64, bool) {
	raw, ok := s.Metadata[ProbabilityKey]
	if !ok || raw == nil {
		return 0, false
	}

	var p float64
	switch v := raw.(type) {
	case float64:
		p = v
	case float32:
		p = float64(v)
	case int:
		p = float64(v)
	case int64:
		p = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		p = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		p = f
	default:
		return 0, false
	}

	if p < 0 || p > 1 {
		return 0, false
	}
	return p, true
}

// Workflow is a named, ordered stage sequence for one entity type
type Workflow struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	EntityType entity.Type `json:"entityType" yaml:"entityType"`
	Active     bool        `json:"isActive" yaml:"active"`
	Steps      []Step      `json:"steps" yaml:"steps"`
}

// SortSteps orders steps by Order
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

// Validate checks the authoring invariants: orders unique and contiguous
// from 1, at least one final step, step IDs unique, and any deal_probability
// within [0,1]
func (w Workflow) Validate() error {
	var problems []string
	if strings.TrimSpace(w.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(w.Name) == "" {
		problems = append(problems, "name is required")
	}
	if _, err := entity.ParseType(string(w.EntityType)); err != nil {
		problems = append(problems, err.Error())
	}
	if len(w.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	orders := make(map[int]string, len(w.Steps))
	ids := make(map[string]bool, len(w.Steps))
	finals := 0
	for _, s := range w.Steps {
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("step at order %d has no id", s.Order))
		} else if ids[s.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true

		if other, dup := orders[s.Order]; dup {
			problems = append(problems, fmt.Sprintf("steps %q and %q share order %d", other, s.ID, s.Order))
		}
		orders[s.Order] = s.ID

		if s.Status.ID == "" {
			problems = append(problems, fmt.Sprintf("step %q has no status", s.ID))
		}
		if s.IsFinal {
			finals++
		}
		if _, present := s.Metadata[ProbabilityKey]; present {
			if _, ok := s.EffectiveProbability(); !ok {
				problems = append(problems, fmt.Sprintf("step %q: %s must be a number in [0,1]", s.ID, ProbabilityKey))
			}
		}
	}
	for i := 1; i <= len(w.Steps); i++ {
		if _, ok := orders[i]; !ok {
			problems = append(problems, fmt.Sprintf("step orders must be contiguous from 1, missing %d", i))
			break
		}
	}
	if len(w.Steps) > 0 && finals == 0 {
		problems = append(problems, "at least one final step is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid workflow %q: %s", w.ID, strings.Join(problems, "; "))
	}
	return nil
}
