package rules

import (
	"time"

	"github.com/liamcoop/dealflow/entity"
)

// TriggerType is the kind of lifecycle occurrence a rule reacts to
type TriggerType string

const (
	TriggerCreate      TriggerType = "CREATE"
	TriggerFieldChange TriggerType = "FIELD_CHANGE"
	TriggerScheduled   TriggerType = "SCHEDULED"
)

// Status of a rule; only ACTIVE rules are ever dispatched
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Operator compares a snapshot field with a condition literal
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpLessThan           Operator = "LESS_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpStartsWith         Operator = "STARTS_WITH"
	OpEndsWith           Operator = "ENDS_WITH"
	OpIsEmpty            Operator = "IS_EMPTY"
	OpIsNotEmpty         Operator = "IS_NOT_EMPTY"
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT_IN"
	OpBefore             Operator = "BEFORE"
	OpAfter              Operator = "AFTER"
	OpExpression         Operator = "EXPRESSION"
)

// LogicalOperator joins a condition with the one after it
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Lifecycle event names carried by events and matched against TriggerEvents
const (
	EventCreated      = "CREATED"
	EventUpdated      = "UPDATED"
	EventStageChanged = "STAGE_CHANGED"
	EventScheduled    = "SCHEDULED"
)

// StepField is the changed-field name raised when an entity moves between workflow steps
const StepField = "currentWfmStep"

// Condition is a single comparison against a snapshot field.
// LogicalOperator combines this condition with the next one; on the last
// condition it is ignored.
type Condition struct {
	Field           string          `json:"field" yaml:"field"`
	Operator        Operator        `json:"operator" yaml:"operator"`
	Value           string          `json:"value" yaml:"value"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty" yaml:"logicalOperator,omitempty"`
}

// BusinessRule is an administratively authored automation: when an event of
// TriggerType happens on an EntityType and the conditions hold, run Actions.
type BusinessRule struct {
	ID            string
	Name          string
	Description   string
	EntityType    entity.Type
	TriggerType   TriggerType
	TriggerEvents []string
	TriggerFields []string
	Schedule      string
	Conditions    []Condition
	Actions       []Action
	Status        Status

	// ExecutionCount is observational and only ever incremented by the store
	ExecutionCount int64

	// Optional stage scope
	WorkflowID string
	StepID     string
	StatusID   string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the rule can be selected for dispatch
func (r *BusinessRule) Active() bool {
	return r.Status == StatusActive
}

// Clone returns a copy that shares no slices with r
func (r *BusinessRule) Clone() *BusinessRule {
	out := *r
	out.TriggerEvents = append([]string(nil), r.TriggerEvents...)
	out.TriggerFields = append([]string(nil), r.TriggerFields...)
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Actions = append([]Action(nil), r.Actions...)
	return &out
}

// Event is a lifecycle occurrence handed to the dispatcher
type Event struct {
	EntityType    entity.Type
	TriggerType   TriggerType
	Lifecycle     string
	ChangedFields []string
	Snapshot      entity.Snapshot
	ActorUserID   string

	// RuleIDs optionally restricts dispatch to the listed rules
	RuleIDs []string
}

// RuleContext identifies the rule and actor an action runs on behalf of
type RuleContext struct {
	RuleID      string
	RuleName    string
	ActorUserID string
}

// ActionOutcome is the result of one action
type ActionOutcome struct {
	Action    Action
	Succeeded bool
	Error     error
}

// Outcome summarizes a rule's evaluation
type Outcome string

const (
	OutcomeNotMatched      Outcome = "NOT_MATCHED"
	OutcomeSucceeded       Outcome = "SUCCEEDED"
	OutcomePartiallyFailed Outcome = "PARTIALLY_FAILED"
	OutcomeErrored         Outcome = "ERRORED"
)

// RuleResult is the per-rule part of a dispatch summary
type RuleResult struct {
	RuleID      string
	RuleName    string
	Matched     bool
	Outcome     Outcome
	Actions     []ActionOutcome
	Diagnostics []error
	Error       error
}

// RuleEvaluationSummary aggregates a dispatch
type RuleEvaluationSummary struct {
	EntityID    string
	EntityType  entity.Type
	TriggerType TriggerType
	Results     []RuleResult
	Evaluated   int
	Matched     int
	Failed      int
	Duration    time.Duration

	// Error is set when candidate rules could not be loaded
	Error error
}

// Result returns the result for ruleID, if the rule was a candidate
func (s RuleEvaluationSummary) Result(ruleID string) (RuleResult, bool) {
	for _, r := range s.Results {
		if r.RuleID == ruleID {
			return r, true
		}
	}
	return RuleResult{}, false
}
