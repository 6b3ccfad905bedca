package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrStepNotFound      = errors.New("workflow step not found")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrPermissionDenied  = errors.New("permission denied")
)

// TransitionError rejects a step move. Nothing is persisted and no rules run.
type TransitionError struct {
	EntityID   string
	FromStepID string
	ToStepID   string
	Reason     string
}

func (e *TransitionError) Error() string {
	from := e.FromStepID
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("cannot move %s from step %s to %s: %s", e.EntityID, from, e.ToStepID, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for every TransitionError
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
