package rules

import (
	"context"
	"fmt"
	"strings"
)

// ActionType names an action variant at the storage and transport boundary
type ActionType string

const (
	ActionNotifyUser     ActionType = "NOTIFY_USER"
	ActionUpdateField    ActionType = "UPDATE_FIELD"
	ActionCreateTask     ActionType = "CREATE_TASK"
	ActionCreateActivity ActionType = "CREATE_ACTIVITY"
)

// Priority is forwarded to notifications and tasks
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority converts a name to a Priority; empty means MEDIUM
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// TargetKind says who receives an action
type TargetKind string

const (
	TargetAssignedUser TargetKind = "ASSIGNED_USER"
	TargetCreator      TargetKind = "CREATOR"
	TargetActor        TargetKind = "ACTOR"
	TargetSpecificUser TargetKind = "SPECIFIC_USER"
)

// Target is a recipient reference such as ASSIGNED_USER or SPECIFIC_USER:<id>
type Target struct {
	Kind   TargetKind
	UserID string
}

// ParseTarget parses the string form of a target; empty means ASSIGNED_USER
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{Kind: TargetAssignedUser}, nil
	}
	kind, id, hasID := strings.Cut(s, ":")
	switch k := TargetKind(strings.ToUpper(kind)); k {
	case TargetAssignedUser, TargetCreator, TargetActor:
		if hasID {
			return Target{}, fmt.Errorf("target %s does not take a user id", k)
		}
		return Target{Kind: k}, nil
	case TargetSpecificUser:
		if strings.TrimSpace(id) == "" {
			return Target{}, fmt.Errorf("target SPECIFIC_USER requires a user id")
		}
		return Target{Kind: k, UserID: strings.TrimSpace(id)}, nil
	default:
		return Target{}, fmt.Errorf("unknown target %q", s)
	}
}

func (t Target) String() string {
	if t.Kind == TargetSpecificUser {
		return string(t.Kind) + ":" + t.UserID
	}
	return string(t.Kind)
}

// Action is a closed set of side effects a matched rule performs.
// Every variant carries its own execution branch, so adding a variant
// without teaching the executor about it does not compile.
type Action interface {
	Type() ActionType
	Definition() ActionDefinition
	execute(ctx context.Context, x *ActionExecutor, run *execution) error
}

// NotifyUser sends an in-app notification
type NotifyUser struct {
	Target   Target
	Message  string
	Priority Priority
}

// UpdateField writes a field on the triggering entity
type UpdateField struct {
	Field string
	Value string
}

// CreateTask creates a follow-up task linked to the entity
type CreateTask struct {
	Target    Target
	Message   string
	Priority  Priority
	DueInDays int
}

// CreateActivity records a timeline activity on the entity
type CreateActivity struct {
	Target       Target
	Message      string
	ActivityType string
}

func (NotifyUser) Type() ActionType     { return ActionNotifyUser }
func (UpdateField) Type() ActionType    { return ActionUpdateField }
func (CreateTask) Type() ActionType     { return ActionCreateTask }
func (CreateActivity) Type() ActionType { return ActionCreateActivity }

func (a NotifyUser) Definition() ActionDefinition {
	return ActionDefinition{Type: ActionNotifyUser, Target: a.Target.String(), Message: a.Message, Priority: string(a.Priority)}
}

func (a UpdateField) Definition() ActionDefinition {
	return ActionDefinition{Type: ActionUpdateField, Field: a.Field, Value: a.Value}
}

func (a CreateTask) Definition() ActionDefinition {
	return ActionDefinition{Type: ActionCreateTask, Target: a.Target.String(), Message: a.Message, Priority: string(a.Priority), DueInDays: a.DueInDays}
}

func (a CreateActivity) Definition() ActionDefinition {
	return ActionDefinition{Type: ActionCreateActivity, Target: a.Target.String(), Message: a.Message, ActivityType: a.ActivityType}
}

// ActionDefinition is the flat, storable form of an action
type ActionDefinition struct {
	Type         ActionType `json:"type" yaml:"type"`
	Target       string     `json:"target,omitempty" yaml:"target,omitempty"`
	Message      string     `json:"message,omitempty" yaml:"message,omitempty"`
	Priority     string     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Field        string     `json:"field,omitempty" yaml:"field,omitempty"`
	Value        string     `json:"value,omitempty" yaml:"value,omitempty"`
	DueInDays    int        `json:"dueInDays,omitempty" yaml:"dueInDays,omitempty"`
	ActivityType string     `json:"activityType,omitempty" yaml:"activityType,omitempty"`
}

// Decode converts the flat definition into its typed variant
func (d ActionDefinition) Decode() (Action, error) {
	switch ActionType(strings.ToUpper(string(d.Type))) {
	case ActionNotifyUser:
		target, priority, err := d.recipient()
		if err != nil {
			return nil, err
		}
		return NotifyUser{Target: target, Message: d.Message, Priority: priority}, nil

	case ActionUpdateField:
		if strings.TrimSpace(d.Field) == "" {
			return nil, fmt.Errorf("UPDATE_FIELD requires a field")
		}
		return UpdateField{Field: d.Field, Value: d.Value}, nil

	case ActionCreateTask:
		target, priority, err := d.recipient()
		if err != nil {
			return nil, err
		}
		if d.DueInDays < 0 {
			return nil, fmt.Errorf("CREATE_TASK dueInDays cannot be negative")
		}
		return CreateTask{Target: target, Message: d.Message, Priority: priority, DueInDays: d.DueInDays}, nil

	case ActionCreateActivity:
		target, err := ParseTarget(d.Target)
		if err != nil {
			return nil, err
		}
		activityType := d.ActivityType
		if activityType == "" {
			activityType = "NOTE"
		}
		return CreateActivity{Target: target, Message: d.Message, ActivityType: strings.ToUpper(activityType)}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", d.Type)
	}
}

func (d ActionDefinition) recipient() (Target, Priority, error) {
	target, err := ParseTarget(d.Target)
	if err != nil {
		return Target{}, "", err
	}
	priority, err := ParsePriority(d.Priority)
	if err != nil {
		return Target{}, "", err
	}
	return target, priority, nil
}

// DecodeActions decodes a list of definitions, failing on the first bad one
func DecodeActions(defs []ActionDefinition) ([]Action, error) {
	actions := make([]Action, 0, len(defs))
	for i, d := range defs {
		a, err := d.Decode()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// EncodeActions converts typed actions back to their flat form
func EncodeActions(actions []Action) []ActionDefinition {
	defs := make([]ActionDefinition, 0, len(actions))
	for _, a := range actions {
		defs = append(defs, a.Definition())
	}
	return defs
}
