package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/rules"
)

func salesPipeline() Workflow {
	return Workflow{
		ID:         "sales",
		Name:       "Sales Pipeline",
		EntityType: entity.TypeDeal,
		Active:     true,
		Steps: []Step{
			{ID: "proposal", Order: 3, Status: Status{ID: "status-proposal", Name: "Proposal"}, Metadata: map[string]any{ProbabilityKey: 0.6}},
			{ID: "lead-in", Order: 1, Status: Status{ID: "status-lead", Name: "Lead In"}, IsInitial: true, Metadata: map[string]any{ProbabilityKey: 0.1}},
			{ID: "qualified", Order: 2, Status: Status{ID: "status-qualified", Name: "Qualified"}, Metadata: map[string]any{ProbabilityKey: "0.3"}},
			{ID: "won", Order: 4, Status: Status{ID: "status-won", Name: "Won"}, IsFinal: true, Metadata: map[string]any{ProbabilityKey: 1.0}},
			{ID: "lost", Order: 5, Status: Status{ID: "status-lost", Name: "Lost"}, IsFinal: true},
		},
	}
}

func partnerPipeline() Workflow {
	return Workflow{
		ID:         "partners",
		Name:       "Partner Onboarding",
		EntityType: entity.TypeDeal,
		Active:     true,
		Steps: []Step{
			{ID: "intro", Order: 1, Status: Status{ID: "status-intro", Name: "Intro"}, IsInitial: true},
			{ID: "signed", Order: 2, Status: Status{ID: "status-signed", Name: "Signed"}, IsFinal: true},
		},
	}
}

func leadFunnel() Workflow {
	return Workflow{
		ID:         "lead-funnel",
		Name:       "Lead Funnel",
		EntityType: entity.TypeLead,
		Active:     true,
		Steps: []Step{
			{ID: "new-lead", Order: 1, Status: Status{ID: "status-new", Name: "New"}, IsInitial: true},
			{ID: "converted", Order: 2, Status: Status{ID: "status-converted", Name: "Converted"}, IsFinal: true},
		},
	}
}

func newTestStore(t *testing.T) *InMemoryStore {
	t.Helper()
	store := NewInMemoryStore()
	for _, w := range []Workflow{salesPipeline(), partnerPipeline(), leadFunnel()} {
		require.NoError(t, store.Save(context.Background(), w))
	}
	return store
}

func testDeal() entity.Snapshot {
	return entity.Snapshot{
		ID:              "deal-1",
		Type:            entity.TypeDeal,
		Name:            "Acme Renewal",
		Amount:          entity.Float64(15000),
		AssigneeID:      "user-7",
		CreatorID:       "user-1",
		WorkflowID:      "sales",
		CurrentStepID:   "qualified",
		CurrentStatusID: "status-qualified",
	}
}

type sentNotification struct {
	UserID  string
	Message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, message string, _ rules.Priority) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Message: message})
	return nil
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

// countingDispatcher records how often the coordinator raised an event
type countingDispatcher struct {
	next  Dispatcher
	calls atomic.Int32
	last  rules.Event
}

func (d *countingDispatcher) Dispatch(ctx context.Context, ev rules.Event) rules.RuleEvaluationSummary {
	d.calls.Add(1)
	d.last = ev
	return d.next.Dispatch(ctx, ev)
}

// staticPermissions grants the listed permissions per user
type staticPermissions map[string][]string

func (p staticPermissions) Has(_ context.Context, actorUserID, permission string) (bool, error) {
	for _, granted := range p[actorUserID] {
		if granted == permission {
			return true, nil
		}
	}
	return false, nil
}

// brokenRepository fails every step write
type brokenRepository struct {
	*entity.InMemoryRepository
}

func (brokenRepository) AdvanceWorkflowStep(context.Context, string, string, string) (entity.Snapshot, error) {
	return entity.Snapshot{}, errors.New("connection reset by peer")
}

type coordinatorFixture struct {
	store       *InMemoryStore
	entities    *entity.InMemoryRepository
	engine      *rules.Engine
	notifier    *recordingNotifier
	dispatcher  *countingDispatcher
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	registry := entity.NewRegistry()
	f := &coordinatorFixture{
		store:    newTestStore(t),
		notifier: &recordingNotifier{},
	}
	f.entities = entity.NewInMemoryRepository(registry, f.store)
	f.entities.Put(testDeal())

	engine, err := rules.NewEngine(rules.NewInMemoryRuleStore(), registry, rules.EngineConfig{
		Collaborators: rules.Collaborators{
			Entities: f.entities,
			Notifier: f.notifier,
		},
	})
	require.NoError(t, err)
	f.engine = engine
	f.dispatcher = &countingDispatcher{next: engine}

	f.coordinator = NewCoordinator(f.entities, f.store, f.dispatcher, staticPermissions{
		"user-7": {entity.TypeDeal.Permission(), entity.TypeLead.Permission()},
	})
	return f
}

func (f *coordinatorFixture) addRule(t *testing.T, in rules.RuleInput) *rules.BusinessRule {
	t.Helper()
	rule, err := f.engine.AddRule(context.Background(), in, "admin-1")
	require.NoError(t, err)
	return rule
}

// countingStore counts step reads reaching the underlying store
type countingStore struct {
	Store
	stepReads atomic.Int32
}

func (s *countingStore) Step(ctx context.Context, id string) (Step, error) {
	s.stepReads.Add(1)
	return s.Store.Step(ctx, id)
}
