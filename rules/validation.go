package rules

import (
	"slices"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/dealflow/entity"
)

// RuleInput is the authoring form of a business rule
type RuleInput struct {
	Name          string             `json:"name" yaml:"name"`
	Description   string             `json:"description,omitempty" yaml:"description,omitempty"`
	EntityType    string             `json:"entityType" yaml:"entityType"`
	TriggerType   string             `json:"triggerType" yaml:"triggerType"`
	TriggerEvents []string           `json:"triggerEvents,omitempty" yaml:"triggerEvents,omitempty"`
	TriggerFields []string           `json:"triggerFields,omitempty" yaml:"triggerFields,omitempty"`
	Schedule      string             `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Conditions    []Condition        `json:"conditions" yaml:"conditions"`
	Actions       []ActionDefinition `json:"actions" yaml:"actions"`
	Status        string             `json:"status,omitempty" yaml:"status,omitempty"`
	WorkflowID    string             `json:"wfmWorkflowId,omitempty" yaml:"wfmWorkflowId,omitempty"`
	StepID        string             `json:"wfmStepId,omitempty" yaml:"wfmStepId,omitempty"`
	StatusID      string             `json:"wfmStatusId,omitempty" yaml:"wfmStatusId,omitempty"`
}

var lifecycleEvents = []string{EventCreated, EventUpdated, EventStageChanged, EventScheduled}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard five-field cron expression or a descriptor such as @daily
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Validator checks rule definitions at authoring time
type Validator struct {
	registry    *entity.Registry
	expressions *expressionCache
}

// NewValidator creates a validator over the registry and the evaluator's expression cache
func NewValidator(registry *entity.Registry, conditions *ConditionEvaluator) *Validator {
	return &Validator{registry: registry, expressions: conditions.expressions}
}

// Build validates in and converts it to a rule. Every problem found is
// reported in a single *ValidationError.
func (v *Validator) Build(in RuleInput) (*BusinessRule, error) {
	problems := &ValidationError{}
	rule := &BusinessRule{
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		TriggerEvents: normalize(in.TriggerEvents, true),
		TriggerFields: normalize(in.TriggerFields, false),
		Schedule:      strings.TrimSpace(in.Schedule),
		Conditions:    in.Conditions,
		Status:        StatusActive,
		WorkflowID:    strings.TrimSpace(in.WorkflowID),
		StepID:        strings.TrimSpace(in.StepID),
		StatusID:      strings.TrimSpace(in.StatusID),
	}

	if rule.Name == "" {
		problems.add("name is required")
	}

	entityType, err := entity.ParseType(in.EntityType)
	if err != nil {
		problems.add("%v", err)
	}
	rule.EntityType = entityType

	rule.TriggerType = TriggerType(strings.ToUpper(strings.TrimSpace(in.TriggerType)))
	switch rule.TriggerType {
	case TriggerCreate, TriggerFieldChange, TriggerScheduled:
	default:
		problems.add("unknown trigger type %q", in.TriggerType)
	}

	if in.Status != "" {
		rule.Status = Status(strings.ToUpper(strings.TrimSpace(in.Status)))
		if rule.Status != StatusActive && rule.Status != StatusInactive {
			problems.add("unknown status %q", in.Status)
		}
	}

	if len(rule.TriggerFields) > 0 && rule.TriggerType != TriggerFieldChange {
		problems.add("triggerFields are only allowed on FIELD_CHANGE rules")
	}
	for _, e := range rule.TriggerEvents {
		if !slices.Contains(lifecycleEvents, e) {
			problems.add("unknown trigger event %q", e)
		}
	}

	switch {
	case rule.TriggerType == TriggerScheduled && rule.Schedule == "":
		problems.add("SCHEDULED rules require a schedule")
	case rule.TriggerType != TriggerScheduled && rule.Schedule != "":
		problems.add("schedule is only allowed on SCHEDULED rules")
	case rule.Schedule != "":
		if _, err := ParseSchedule(rule.Schedule); err != nil {
			problems.add("invalid schedule %q: %v", rule.Schedule, err)
		}
	}

	if entityType != "" {
		for _, f := range rule.TriggerFields {
			if _, err := v.registry.Lookup(entityType, f); err != nil {
				problems.add("trigger field: %v", err)
			}
		}
		if rule.WorkflowID != "" || rule.StepID != "" || rule.StatusID != "" {
			if _, ok := v.registry.Field(entityType, "workflowId"); !ok {
				problems.add("%s entities do not carry workflow placement", entityType)
			}
		}
		for i := range rule.Conditions {
			v.checkCondition(problems, entityType, i, &rule.Conditions[i])
		}
	}

	if len(in.Actions) == 0 {
		problems.add("at least one action is required")
	}
	for i, def := range in.Actions {
		a, err := def.Decode()
		if err != nil {
			problems.add("action %d: %v", i+1, err)
			continue
		}
		if u, ok := a.(UpdateField); ok && entityType != "" {
			v.checkWritable(problems, entityType, i, u)
		}
		rule.Actions = append(rule.Actions, a)
	}

	if err := problems.orNil(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (v *Validator) checkCondition(problems *ValidationError, t entity.Type, i int, c *Condition) {
	c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
	c.LogicalOperator = LogicalOperator(strings.ToUpper(strings.TrimSpace(string(c.LogicalOperator))))
	prefix := "condition " + strconv.Itoa(i+1)

	switch c.LogicalOperator {
	case "", LogicalAnd, LogicalOr:
	default:
		problems.add("%s: unknown logical operator %q", prefix, c.LogicalOperator)
	}

	if c.Operator == OpExpression {
		if _, err := v.expressions.compile(c.Value); err != nil {
			problems.add("%s: %v", prefix, err)
		}
		return
	}

	kind, err := v.registry.Lookup(t, c.Field)
	if err != nil {
		problems.add("%s: %v", prefix, err)
		return
	}

	switch c.Operator {
	case OpEquals, OpNotEquals, OpIsEmpty, OpIsNotEmpty, OpIn, OpNotIn:
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		if kind != entity.KindNumber && kind != entity.KindDynamic {
			problems.add("%s: %s requires a numeric field, %s is %s", prefix, c.Operator, c.Field, kind)
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64); err != nil {
			problems.add("%s: %s requires a numeric value, got %q", prefix, c.Operator, c.Value)
		}
	case OpBefore, OpAfter:
		if kind != entity.KindTime && kind != entity.KindDynamic {
			problems.add("%s: %s requires a date field, %s is %s", prefix, c.Operator, c.Field, kind)
		}
		if _, err := entity.ParseTime(c.Value); err != nil {
			problems.add("%s: %v", prefix, err)
		}
	default:
		problems.add("%s: unknown operator %q", prefix, c.Operator)
	}
}

func (v *Validator) checkWritable(problems *ValidationError, t entity.Type, i int, u UpdateField) {
	if _, err := v.registry.Lookup(t, u.Field); err != nil {
		problems.add("action %d: %v", i+1, err)
		return
	}
	if f, ok := v.registry.Field(t, u.Field); ok && f.ReadOnly {
		problems.add("action %d: field %q is read-only", i+1, u.Field)
	}
}

func normalize(values []string, upper bool) []string {
	var out []string
	for _, s := range values {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if upper {
			s = strings.ToUpper(s)
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Input returns the authoring form of a stored rule
func (r *BusinessRule) Input() RuleInput {
	return RuleInput{
		Name:          r.Name,
		Description:   r.Description,
		EntityType:    string(r.EntityType),
		TriggerType:   string(r.TriggerType),
		TriggerEvents: append([]string(nil), r.TriggerEvents...),
		TriggerFields: append([]string(nil), r.TriggerFields...),
		Schedule:      r.Schedule,
		Conditions:    append([]Condition(nil), r.Conditions...),
		Actions:       EncodeActions(r.Actions),
		Status:        string(r.Status),
		WorkflowID:    r.WorkflowID,
		StepID:        r.StepID,
		StatusID:      r.StatusID,
	}
}
