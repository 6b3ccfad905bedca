package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRuleNotFound is returned by stores when a rule ID does not exist
var ErrRuleNotFound = errors.New("rule not found")

// ValidationError reports every problem found in a rule definition at authoring time
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid business rule: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// EvaluationError records why a condition could not be evaluated.
// It is a diagnostic only; the condition evaluates to false.
type EvaluationError struct {
	Field    string
	Operator Operator
	Reason   string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %s %s: %s", e.Field, e.Operator, e.Reason)
}

// ActionExecutionError wraps the collaborator failure of a single action
type ActionExecutionError struct {
	Type ActionType
	Err  error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Type, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}
