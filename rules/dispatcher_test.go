package rules

import (
	"context"
	"fmt"
	"testing"

	"github.com/liamcoop/dealflow/entity"
)

func createEvent(s entity.Snapshot) Event {
	return Event{
		EntityType:  s.Type,
		TriggerType: TriggerCreate,
		Lifecycle:   EventCreated,
		Snapshot:    s,
		ActorUserID: "user-3",
	}
}

func largeDealRule() RuleInput {
	return RuleInput{
		Name:        "Large deal alert",
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Conditions:  []Condition{{Field: "amount", Operator: OpGreaterThan, Value: "10000"}},
		Actions:     []ActionDefinition{notifyAssignee("Large deal: {{entity.name}}", PriorityHigh)},
	}
}

// TestDispatchLargeDeal is the amount > 10000 notification example
func TestDispatchLargeDeal(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, largeDealRule())
	ctx := context.Background()

	summary := f.engine.Dispatch(ctx, createEvent(testDeal()))
	if summary.Evaluated != 1 || summary.Matched != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	result, ok := summary.Result(rule.ID)
	if !ok || result.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected result: %+v", result)
	}
	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].UserID != "user-7" || sent[0].Priority != PriorityHigh {
		t.Fatalf("unexpected notifications: %+v", sent)
	}
	if sent[0].Message != "Large deal: Acme Renewal" {
		t.Errorf("message = %q", sent[0].Message)
	}

	small := testDeal()
	small.ID = "deal-2"
	small.Amount = entity.Float64(5000)
	summary = f.engine.Dispatch(ctx, createEvent(small))
	if summary.Matched != 0 {
		t.Errorf("5000 deal should not match, summary %+v", summary)
	}
	if result, _ := summary.Result(rule.ID); result.Outcome != OutcomeNotMatched {
		t.Errorf("outcome = %s, want NOT_MATCHED", result.Outcome)
	}
	if len(f.notifier.Sent()) != 1 {
		t.Error("no further notification expected")
	}

	stored, _ := f.engine.GetRule(ctx, rule.ID)
	if stored.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", stored.ExecutionCount)
	}
}

// TestDispatchRepeatedEvents verifies actions are not deduplicated
func TestDispatchRepeatedEvents(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, largeDealRule())

	f.engine.Dispatch(context.Background(), createEvent(testDeal()))
	f.engine.Dispatch(context.Background(), createEvent(testDeal()))

	if got := len(f.notifier.Sent()); got != 2 {
		t.Errorf("expected 2 notifications, got %d", got)
	}
}

// TestDispatchSkipsInactiveRules verifies deactivated rules are never candidates
func TestDispatchSkipsInactiveRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rule := f.addRule(t, largeDealRule())

	// warm the cache before deactivating
	f.engine.Dispatch(ctx, createEvent(testDeal()))

	if _, err := f.engine.Deactivate(ctx, rule.ID); err != nil {
		t.Fatalf("Deactivate() failed: %v", err)
	}
	summary := f.engine.Dispatch(ctx, createEvent(testDeal()))
	if _, ok := summary.Result(rule.ID); ok {
		t.Error("inactive rule should not be evaluated")
	}
	if len(f.notifier.Sent()) != 1 {
		t.Error("inactive rule should not notify")
	}

	if _, err := f.engine.Activate(ctx, rule.ID); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	summary = f.engine.Dispatch(ctx, createEvent(testDeal()))
	if summary.Matched != 1 {
		t.Error("reactivated rule should match again")
	}
}

// TestDispatchCandidateFiltering covers trigger, entity type and scope filtering
func TestDispatchCandidateFiltering(t *testing.T) {
	notify := []ActionDefinition{notifyAssignee("x", PriorityLow)}

	testCases := []struct {
		name     string
		rule     RuleInput
		event    func(s entity.Snapshot) Event
		expected bool
	}{
		{
			name: "other entity type",
			rule: RuleInput{Name: "lead", EntityType: "LEAD", TriggerType: "CREATE", Actions: notify},
			event: createEvent,
		},
		{
			name: "other trigger type",
			rule: RuleInput{Name: "change", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", Actions: notify},
			event: createEvent,
		},
		{
			name: "field change intersects",
			rule: RuleInput{Name: "amount", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", TriggerFields: []string{"amount", "currency"}, Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, ChangedFields: []string{"name", "amount"}, Snapshot: s}
			},
			expected: true,
		},
		{
			name: "field change disjoint",
			rule: RuleInput{Name: "amount", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", TriggerFields: []string{"amount"}, Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, ChangedFields: []string{"name"}, Snapshot: s}
			},
		},
		{
			name: "field change without trigger fields",
			rule: RuleInput{Name: "any", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, ChangedFields: []string{"name"}, Snapshot: s}
			},
			expected: true,
		},
		{
			name: "lifecycle listed",
			rule: RuleInput{Name: "stage", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", TriggerEvents: []string{"stage_changed"}, Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, Lifecycle: EventStageChanged, ChangedFields: []string{StepField}, Snapshot: s}
			},
			expected: true,
		},
		{
			name: "lifecycle not listed",
			rule: RuleInput{Name: "stage", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", TriggerEvents: []string{"STAGE_CHANGED"}, Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, Lifecycle: EventUpdated, ChangedFields: []string{"name"}, Snapshot: s}
			},
		},
		{
			name: "event without lifecycle ignores trigger events",
			rule: RuleInput{Name: "stage", EntityType: "DEAL", TriggerType: "FIELD_CHANGE", TriggerEvents: []string{"STAGE_CHANGED"}, Actions: notify},
			event: func(s entity.Snapshot) Event {
				return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, ChangedFields: []string{"name"}, Snapshot: s}
			},
			expected: true,
		},
		{
			name: "step scope matches",
			rule: RuleInput{Name: "scoped", EntityType: "DEAL", TriggerType: "CREATE", WorkflowID: "wf-1", StepID: "step-2", Actions: notify},
			event: func(s entity.Snapshot) Event {
				s.WorkflowID, s.CurrentStepID = "wf-1", "step-2"
				return createEvent(s)
			},
			expected: true,
		},
		{
			name: "step scope differs",
			rule: RuleInput{Name: "scoped", EntityType: "DEAL", TriggerType: "CREATE", WorkflowID: "wf-1", StepID: "step-2", Actions: notify},
			event: func(s entity.Snapshot) Event {
				s.WorkflowID, s.CurrentStepID = "wf-1", "step-3"
				return createEvent(s)
			},
		},
		{
			name: "status scope differs",
			rule: RuleInput{Name: "scoped", EntityType: "DEAL", TriggerType: "CREATE", StatusID: "status-won", Actions: notify},
			event: func(s entity.Snapshot) Event {
				s.CurrentStatusID = "status-open"
				return createEvent(s)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rule := f.addRule(t, tc.rule)

			summary := f.engine.Dispatch(context.Background(), tc.event(testDeal()))
			_, evaluated := summary.Result(rule.ID)
			if evaluated != tc.expected {
				t.Errorf("rule evaluated = %v, want %v", evaluated, tc.expected)
			}
		})
	}
}

// TestDispatchRuleIDs verifies an explicit rule list restricts candidates
func TestDispatchRuleIDs(t *testing.T) {
	f := newFixture(t)
	first := f.addRule(t, largeDealRule())
	second := f.addRule(t, largeDealRule())

	ev := createEvent(testDeal())
	ev.RuleIDs = []string{second.ID}
	summary := f.engine.Dispatch(context.Background(), ev)

	if _, ok := summary.Result(first.ID); ok {
		t.Error("first rule should not be evaluated")
	}
	if _, ok := summary.Result(second.ID); !ok {
		t.Error("second rule should be evaluated")
	}
}

// TestDispatchOrderAndOutcomes verifies results follow creation order and
// partial failures are summarized
func TestDispatchOrderAndOutcomes(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 20; i++ {
		in := largeDealRule()
		in.Name = fmt.Sprintf("rule %02d", i)
		ids = append(ids, f.addRule(t, in).ID)
	}
	partial := f.addRule(t, RuleInput{
		Name:        "partial",
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Actions: []ActionDefinition{
			notifyAssignee("ok", PriorityLow),
			{Type: ActionNotifyUser, Target: string(TargetActor), Message: "no actor"},
		},
	})
	ids = append(ids, partial.ID)

	ev := createEvent(testDeal())
	ev.ActorUserID = ""
	summary := f.engine.Dispatch(context.Background(), ev)

	if len(summary.Results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(summary.Results))
	}
	for i, r := range summary.Results {
		if r.RuleID != ids[i] {
			t.Fatalf("result %d is rule %s, want %s", i, r.RuleID, ids[i])
		}
	}

	result, _ := summary.Result(partial.ID)
	if result.Outcome != OutcomePartiallyFailed {
		t.Errorf("outcome = %s, want PARTIALLY_FAILED", result.Outcome)
	}
	if summary.Failed != 1 || summary.Matched != len(ids) {
		t.Errorf("unexpected counts: matched=%d failed=%d", summary.Matched, summary.Failed)
	}
}

// TestDispatchPanickingAction verifies a panicking action leaves the rest of
// the rule's results intact
func TestDispatchPanickingAction(t *testing.T) {
	f := newFixture(t)
	deal := testDeal()
	f.entities.Put(deal)
	f.notifier.panics = true

	rule := f.addRule(t, RuleInput{
		Name:        "Rename and follow up",
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Actions: []ActionDefinition{
			{Type: ActionUpdateField, Field: "name", Value: "Acme Renewal (new)"},
			notifyAssignee("renamed", PriorityLow),
			{Type: ActionCreateTask, Target: string(TargetCreator), Message: "Call", Priority: string(PriorityMedium)},
		},
	})

	summary := f.engine.Dispatch(context.Background(), createEvent(deal))
	result, ok := summary.Result(rule.ID)
	if !ok {
		t.Fatal("missing result")
	}
	if result.Outcome != OutcomePartiallyFailed {
		t.Errorf("outcome = %s, want PARTIALLY_FAILED", result.Outcome)
	}
	if len(result.Actions) != 3 {
		t.Fatalf("expected 3 action outcomes, got %d", len(result.Actions))
	}
	if len(f.tasks.tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(f.tasks.tasks))
	}
	stored, _ := f.store.Get(context.Background(), rule.ID)
	if stored.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", stored.ExecutionCount)
	}
}

// TestDispatchAllActionsFailed verifies a rule whose every action failed is
// partially failed, not errored
func TestDispatchAllActionsFailed(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, RuleInput{
		Name:        "Tell the actor",
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Actions:     []ActionDefinition{{Type: ActionNotifyUser, Target: string(TargetActor), Message: "no actor"}},
	})

	ev := createEvent(testDeal())
	ev.ActorUserID = ""
	summary := f.engine.Dispatch(context.Background(), ev)

	result, _ := summary.Result(rule.ID)
	if result.Outcome != OutcomePartiallyFailed {
		t.Errorf("outcome = %s, want PARTIALLY_FAILED", result.Outcome)
	}
	if result.Error != nil {
		t.Errorf("rule error should be empty, got %v", result.Error)
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}

// TestDispatchIgnoresCancellation verifies a started dispatch completes
func TestDispatchIgnoresCancellation(t *testing.T) {
	f := newFixture(t)
	f.addRule(t, largeDealRule())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := f.engine.Dispatch(ctx, createEvent(testDeal()))
	if summary.Matched != 1 || len(f.notifier.Sent()) != 1 {
		t.Errorf("dispatch should complete despite cancelled context: %+v", summary)
	}
}

// TestDispatchStoreFailure verifies load errors surface in the summary
func TestDispatchStoreFailure(t *testing.T) {
	registry := entity.NewRegistry()
	ce, _ := NewConditionEvaluator(registry)
	d := NewTriggerDispatcher(failingStore{NewInMemoryRuleStore()}, NewRuleMatcher(ce), NewActionExecutor(registry, Collaborators{}))

	summary := d.Dispatch(context.Background(), createEvent(testDeal()))
	if summary.Error == nil {
		t.Fatal("expected summary error")
	}
	if summary.Evaluated != 0 || len(summary.Results) != 0 {
		t.Errorf("no rules should be evaluated: %+v", summary)
	}
}

// TestDispatchAmountFieldChange covers a FIELD_CHANGE rule watching amount
func TestDispatchAmountFieldChange(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, RuleInput{
		Name:          "Amount raised",
		EntityType:    "DEAL",
		TriggerType:   "FIELD_CHANGE",
		TriggerFields: []string{"amount"},
		Conditions:    []Condition{{Field: "amount", Operator: OpGreaterThan, Value: "10000"}},
		Actions:       []ActionDefinition{notifyAssignee("{{entity.name}} is now {{entity.amount}}", PriorityMedium)},
	})
	ctx := context.Background()

	changed := func(amount float64) Event {
		s := testDeal()
		s.Amount = entity.Float64(amount)
		return Event{EntityType: s.Type, TriggerType: TriggerFieldChange, Lifecycle: EventUpdated, ChangedFields: []string{"amount"}, Snapshot: s}
	}

	summary := f.engine.Dispatch(ctx, changed(15000))
	if result, _ := summary.Result(rule.ID); !result.Matched || result.Outcome != OutcomeSucceeded {
		t.Fatalf("15000 should match, got %+v", result)
	}
	if sent := f.notifier.Sent(); len(sent) != 1 || sent[0].Message != "Acme Renewal is now 15000" {
		t.Fatalf("unexpected notifications: %+v", sent)
	}

	summary = f.engine.Dispatch(ctx, changed(5000))
	if result, ok := summary.Result(rule.ID); !ok || result.Matched {
		t.Errorf("5000 should be evaluated and not match, got %+v", result)
	}
	if len(f.notifier.Sent()) != 1 {
		t.Error("non-matching change should not notify")
	}
}

// TestDispatchOrConditions covers amount > 1000 OR priority = URGENT
func TestDispatchOrConditions(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, RuleInput{
		Name:        "Needs attention",
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Conditions: []Condition{
			{Field: "amount", Operator: OpGreaterThan, Value: "1000", LogicalOperator: LogicalOr},
			{Field: "priority", Operator: OpEquals, Value: "URGENT"},
		},
		Actions: []ActionDefinition{notifyAssignee("check {{entity.name}}", PriorityUrgent)},
	})

	testCases := []struct {
		name     string
		amount   float64
		priority string
		expected bool
	}{
		{"small urgent deal", 500, "URGENT", true},
		{"large low priority deal", 2000, "LOW", true},
		{"small low priority deal", 500, "LOW", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := testDeal()
			s.Amount = entity.Float64(tc.amount)
			s.Priority = tc.priority

			summary := f.engine.Dispatch(context.Background(), createEvent(s))
			result, ok := summary.Result(rule.ID)
			if !ok {
				t.Fatal("rule was not evaluated")
			}
			if result.Matched != tc.expected {
				t.Errorf("matched = %v, want %v", result.Matched, tc.expected)
			}
		})
	}
}
