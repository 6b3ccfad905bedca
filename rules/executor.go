package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/internal/metrics"
)

// Notifier delivers in-app notifications
type Notifier interface {
	Notify(ctx context.Context, userID, message string, priority Priority) error
}

// Task is a follow-up created by a CREATE_TASK action
type Task struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	AssigneeID string      `json:"assigneeId"`
	EntityID   string      `json:"entityId"`
	EntityType entity.Type `json:"entityType"`
	Priority   Priority    `json:"priority"`
	DueAt      *time.Time  `json:"dueAt,omitempty"`
	RuleID     string      `json:"ruleId"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// TaskCreator persists tasks
type TaskCreator interface {
	CreateTask(ctx context.Context, task Task) error
}

// Activity is a timeline entry created by a CREATE_ACTIVITY action
type Activity struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Body       string      `json:"body"`
	UserID     string      `json:"userId"`
	EntityID   string      `json:"entityId"`
	EntityType entity.Type `json:"entityType"`
	RuleID     string      `json:"ruleId"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ActivityCreator persists activities
type ActivityCreator interface {
	CreateActivity(ctx context.Context, activity Activity) error
}

// Collaborators are the external systems actions write to.
// A nil collaborator makes the matching action type fail at execution.
type Collaborators struct {
	Entities   entity.Repository
	Notifier   Notifier
	Tasks      TaskCreator
	Activities ActivityCreator
}

var errNotConfigured = errors.New("collaborator not configured")

var placeholderPattern = regexp.MustCompile(`\{\{\s*entity\.([A-Za-z0-9_.]+)\s*\}\}`)

// ActionExecutor runs a matched rule's actions in order
type ActionExecutor struct {
	registry *entity.Registry
	with     Collaborators
	now      func() time.Time
}

// NewActionExecutor creates an executor writing through the given collaborators
func NewActionExecutor(registry *entity.Registry, with Collaborators) *ActionExecutor {
	return &ActionExecutor{
		registry: registry,
		with:     with,
		now:      time.Now,
	}
}

// execution is the state threaded through one rule's actions
type execution struct {
	snapshot entity.Snapshot
	rule     RuleContext
}

// Execute runs every action in order and returns one outcome per action.
// A failing or panicking action does not stop the ones after it. UPDATE_FIELD results are
// visible to later actions in the same call.
func (x *ActionExecutor) Execute(ctx context.Context, actions []Action, s entity.Snapshot, rc RuleContext) []ActionOutcome {
	run := &execution{snapshot: s.Clone(), rule: rc}
	outcomes := make([]ActionOutcome, 0, len(actions))

	for _, a := range actions {
		outcome := ActionOutcome{Action: a, Succeeded: true}
		if err := x.run(ctx, a, run); err != nil {
			outcome.Succeeded = false
			outcome.Error = &ActionExecutionError{Type: a.Type(), Err: err}
			logger.Warn("rule action failed",
				"rule_id", rc.RuleID,
				"entity_id", s.ID,
				"action", string(a.Type()),
				"error", err,
			)
			metrics.ActionsExecuted.WithLabelValues(string(a.Type()), "failed").Inc()
		} else {
			metrics.ActionsExecuted.WithLabelValues(string(a.Type()), "succeeded").Inc()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// run executes one action, converting a panic into that action's error
func (x *ActionExecutor) run(ctx context.Context, a Action, run *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return a.execute(ctx, x, run)
}

// Render substitutes {{entity.<field>}} placeholders from the snapshot.
// Placeholders that do not resolve are left as written.
func (x *ActionExecutor) Render(message string, s entity.Snapshot) string {
	return placeholderPattern.ReplaceAllStringFunc(message, func(token string) string {
		path := placeholderPattern.FindStringSubmatch(token)[1]
		v, ok := x.registry.Resolve(s, path)
		if !ok {
			return token
		}
		return toString(v)
	})
}

func (x *ActionExecutor) recipient(t Target, run *execution) (string, error) {
	var id string
	switch t.Kind {
	case TargetAssignedUser:
		id = run.snapshot.AssigneeID
	case TargetCreator:
		id = run.snapshot.CreatorID
	case TargetActor:
		id = run.rule.ActorUserID
	case TargetSpecificUser:
		id = t.UserID
	}
	if id == "" {
		return "", fmt.Errorf("target %s resolved to no user on %s %s", t, run.snapshot.Type, run.snapshot.ID)
	}
	return id, nil
}

func (a NotifyUser) execute(ctx context.Context, x *ActionExecutor, run *execution) error {
	if x.with.Notifier == nil {
		return fmt.Errorf("notifier: %w", errNotConfigured)
	}
	userID, err := x.recipient(a.Target, run)
	if err != nil {
		return err
	}
	return x.with.Notifier.Notify(ctx, userID, x.Render(a.Message, run.snapshot), a.Priority)
}

func (a UpdateField) execute(ctx context.Context, x *ActionExecutor, run *execution) error {
	if x.with.Entities == nil {
		return fmt.Errorf("entity repository: %w", errNotConfigured)
	}
	value := x.Render(a.Value, run.snapshot)
	updated, err := x.with.Entities.UpdateField(ctx, run.snapshot.ID, a.Field, value)
	if err != nil {
		return err
	}
	run.snapshot = updated
	return nil
}

func (a CreateTask) execute(ctx context.Context, x *ActionExecutor, run *execution) error {
	if x.with.Tasks == nil {
		return fmt.Errorf("task creator: %w", errNotConfigured)
	}
	assignee, err := x.recipient(a.Target, run)
	if err != nil {
		return err
	}
	now := x.now()
	task := Task{
		ID:         uuid.New().String(),
		Title:      x.Render(a.Message, run.snapshot),
		AssigneeID: assignee,
		EntityID:   run.snapshot.ID,
		EntityType: run.snapshot.Type,
		Priority:   a.Priority,
		RuleID:     run.rule.RuleID,
		CreatedAt:  now,
	}
	if a.DueInDays > 0 {
		due := now.AddDate(0, 0, a.DueInDays)
		task.DueAt = &due
	}
	return x.with.Tasks.CreateTask(ctx, task)
}

func (a CreateActivity) execute(ctx context.Context, x *ActionExecutor, run *execution) error {
	if x.with.Activities == nil {
		return fmt.Errorf("activity creator: %w", errNotConfigured)
	}
	userID, err := x.recipient(a.Target, run)
	if err != nil {
		return err
	}
	return x.with.Activities.CreateActivity(ctx, Activity{
		ID:         uuid.New().String(),
		Type:       a.ActivityType,
		Body:       x.Render(a.Message, run.snapshot),
		UserID:     userID,
		EntityID:   run.snapshot.ID,
		EntityType: run.snapshot.Type,
		RuleID:     run.rule.RuleID,
		CreatedAt:  x.now(),
	})
}
