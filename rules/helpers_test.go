package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/dealflow/entity"
)

type notification struct {
	UserID   string
	Message  string
	Priority Priority
}

// recordingNotifier captures notifications and can be told to fail or panic
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []notification
	err    error
	panics bool
}

func (n *recordingNotifier) Notify(_ context.Context, userID, message string, priority Priority) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.panics {
		panic("notifier connection closed")
	}
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{UserID: userID, Message: message, Priority: priority})
	return nil
}

func (n *recordingNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type recordingTasks struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *recordingTasks) CreateTask(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

type recordingActivities struct {
	mu         sync.Mutex
	activities []Activity
}

func (r *recordingActivities) CreateActivity(_ context.Context, a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

// failingStore wraps a store and fails ListActive
type failingStore struct {
	*InMemoryRuleStore
}

func (failingStore) ListActive(context.Context, entity.Type, TriggerType) ([]*BusinessRule, error) {
	return nil, errors.New("connection refused")
}

func testDeal() entity.Snapshot {
	closeDate := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)
	return entity.Snapshot{
		ID:                "deal-1",
		Type:              entity.TypeDeal,
		Name:              "Acme Renewal",
		Amount:            entity.Float64(15000),
		Currency:          "EUR",
		Priority:          "HIGH",
		Status:            "OPEN",
		AssigneeID:        "user-7",
		CreatorID:         "user-1",
		ExpectedCloseDate: &closeDate,
		Custom: map[string]any{
			"region": "EMEA",
			"score":  42.0,
		},
	}
}

type fixture struct {
	registry   *entity.Registry
	entities   *entity.InMemoryRepository
	notifier   *recordingNotifier
	tasks      *recordingTasks
	activities *recordingActivities
	store      *InMemoryRuleStore
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry:   entity.NewRegistry(),
		notifier:   &recordingNotifier{},
		tasks:      &recordingTasks{},
		activities: &recordingActivities{},
		store:      NewInMemoryRuleStore(),
	}
	f.entities = entity.NewInMemoryRepository(f.registry, nil)

	engine, err := NewEngine(f.store, f.registry, EngineConfig{
		Collaborators: Collaborators{
			Entities:   f.entities,
			Notifier:   f.notifier,
			Tasks:      f.tasks,
			Activities: f.activities,
		},
	})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) addRule(t *testing.T, in RuleInput) *BusinessRule {
	t.Helper()
	rule, err := f.engine.AddRule(context.Background(), in, "admin-1")
	if err != nil {
		t.Fatalf("AddRule(%q) failed: %v", in.Name, err)
	}
	return rule
}

func notifyAssignee(message string, priority Priority) ActionDefinition {
	return ActionDefinition{Type: ActionNotifyUser, Target: string(TargetAssignedUser), Message: message, Priority: string(priority)}
}
