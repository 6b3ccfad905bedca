package rules

import (
	"strings"

	"github.com/liamcoop/dealflow/entity"
)

// RuleMatcher decides whether a rule's conditions hold for a snapshot.
// Entity type and trigger filtering happen in the dispatcher before matching.
type RuleMatcher struct {
	conditions *ConditionEvaluator
}

// NewRuleMatcher creates a matcher over the given condition evaluator
func NewRuleMatcher(conditions *ConditionEvaluator) *RuleMatcher {
	return &RuleMatcher{conditions: conditions}
}

// Matches reports whether the rule's conditions hold
func (m *RuleMatcher) Matches(rule *BusinessRule, s entity.Snapshot) bool {
	matched, _ := m.Match(rule, s)
	return matched
}

// Match folds the condition list left to right. Each condition joins the
// running result using the logical operator of the condition before it.
// A condition is skipped when the running result already decides the join:
// false before an AND, true before an OR. An empty list always matches.
func (m *RuleMatcher) Match(rule *BusinessRule, s entity.Snapshot) (bool, []error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}

	var diagnostics []error
	check := func(c Condition) bool {
		ok, err := m.conditions.Check(c, s)
		if err != nil {
			diagnostics = append(diagnostics, err)
		}
		return ok
	}

	result := check(rule.Conditions[0])
	for i := 1; i < len(rule.Conditions); i++ {
		switch joinOf(rule.Conditions[i-1]) {
		case LogicalOr:
			if !result {
				result = check(rule.Conditions[i])
			}
		default:
			if result {
				result = check(rule.Conditions[i])
			}
		}
	}
	return result, diagnostics
}

func joinOf(c Condition) LogicalOperator {
	if LogicalOperator(strings.ToUpper(string(c.LogicalOperator))) == LogicalOr {
		return LogicalOr
	}
	return LogicalAnd
}
