package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/liamcoop/dealflow/entity"
)

// TestAddRuleValidation verifies authoring rejects malformed definitions and
// reports every problem at once
func TestAddRuleValidation(t *testing.T) {
	notify := []ActionDefinition{notifyAssignee("x", "")}

	testCases := []struct {
		name    string
		input   RuleInput
		problem string
	}{
		{"missing name", RuleInput{EntityType: "DEAL", TriggerType: "CREATE", Actions: notify}, "name is required"},
		{"unknown entity type", RuleInput{Name: "r", EntityType: "INVOICE", TriggerType: "CREATE", Actions: notify}, "unknown entity type"},
		{"unknown trigger", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "DELETE", Actions: notify}, "unknown trigger type"},
		{"no actions", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE"}, "at least one action"},
		{"unknown field", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "colour", Operator: OpEquals, Value: "red"}}}, `unknown field "colour"`},
		{"field not on type", RuleInput{Name: "r", EntityType: "ORGANIZATION", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "amount", Operator: OpGreaterThan, Value: "1"}}}, `unknown field "amount"`},
		{"unknown operator", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "name", Operator: "LIKE", Value: "a"}}}, "unknown operator"},
		{"numeric operator on string field", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "name", Operator: OpGreaterThan, Value: "5"}}}, "requires a numeric field"},
		{"non-numeric literal", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "amount", Operator: OpGreaterThan, Value: "big"}}}, "requires a numeric value"},
		{"bad date literal", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "expectedCloseDate", Operator: OpBefore, Value: "soon"}}}, "as a date"},
		{"bad logical operator", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Field: "name", Operator: OpIsEmpty, LogicalOperator: "XOR"}}}, "unknown logical operator"},
		{"bad expression", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			Conditions: []Condition{{Operator: OpExpression, Value: "entity.amount >"}}}, "compile error"},
		{"trigger fields on create", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			TriggerFields: []string{"amount"}}, "only allowed on FIELD_CHANGE"},
		{"unknown trigger event", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Actions: notify,
			TriggerEvents: []string{"ARCHIVED"}}, "unknown trigger event"},
		{"scheduled without schedule", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "SCHEDULED", Actions: notify}, "require a schedule"},
		{"bad schedule", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "SCHEDULED", Schedule: "every day", Actions: notify}, "invalid schedule"},
		{"schedule on create", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE", Schedule: "@daily", Actions: notify}, "only allowed on SCHEDULED"},
		{"unknown action", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE",
			Actions: []ActionDefinition{{Type: "SEND_EMAIL"}}}, "unknown action type"},
		{"bad target", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE",
			Actions: []ActionDefinition{{Type: ActionNotifyUser, Target: "SPECIFIC_USER"}}}, "requires a user id"},
		{"read-only update", RuleInput{Name: "r", EntityType: "DEAL", TriggerType: "CREATE",
			Actions: []ActionDefinition{{Type: ActionUpdateField, Field: "currentWfmStep", Value: "x"}}}, "read-only"},
		{"workflow scope on person", RuleInput{Name: "r", EntityType: "PERSON", TriggerType: "CREATE", WorkflowID: "wf-1", Actions: notify}, "workflow placement"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.AddRule(context.Background(), tc.input, "admin-1")

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.problem) {
				t.Errorf("error %q should mention %q", err.Error(), tc.problem)
			}

			if rules, total, _ := f.engine.ListRules(context.Background(), ListFilter{}); total != 0 || len(rules) != 0 {
				t.Error("invalid rule should not be stored")
			}
		})
	}
}

// TestAddRuleReportsAllProblems verifies problems are collected, not short-circuited
func TestAddRuleReportsAllProblems(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.AddRule(context.Background(), RuleInput{
		EntityType:  "DEAL",
		TriggerType: "CREATE",
		Conditions:  []Condition{{Field: "colour", Operator: OpEquals}},
	}, "admin-1")

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(validationErr.Problems) != 3 {
		t.Errorf("expected 3 problems, got %d: %v", len(validationErr.Problems), validationErr.Problems)
	}
}

// TestAddRuleNormalizes verifies defaults and normalization on a valid rule
func TestAddRuleNormalizes(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, RuleInput{
		Name:          "  Stage alert ",
		EntityType:    "deal",
		TriggerType:   "field_change",
		TriggerEvents: []string{"stage_changed", "STAGE_CHANGED"},
		TriggerFields: []string{StepField},
		Conditions:    []Condition{{Field: "amount", Operator: "greater_than", Value: "1", LogicalOperator: "or"}},
		Actions:       []ActionDefinition{{Type: "notify_user"}},
	})

	if rule.ID == "" || rule.CreatedBy != "admin-1" || rule.CreatedAt.IsZero() {
		t.Errorf("rule metadata not set: %+v", rule)
	}
	if rule.Name != "Stage alert" || rule.EntityType != entity.TypeDeal || rule.TriggerType != TriggerFieldChange {
		t.Errorf("rule not normalized: %+v", rule)
	}
	if rule.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", rule.Status)
	}
	if len(rule.TriggerEvents) != 1 || rule.TriggerEvents[0] != EventStageChanged {
		t.Errorf("trigger events = %v", rule.TriggerEvents)
	}
	if c := rule.Conditions[0]; c.Operator != OpGreaterThan || c.LogicalOperator != LogicalOr {
		t.Errorf("condition not normalized: %+v", c)
	}
	notify, ok := rule.Actions[0].(NotifyUser)
	if !ok {
		t.Fatalf("action is %T, want NotifyUser", rule.Actions[0])
	}
	if notify.Target.Kind != TargetAssignedUser || notify.Priority != PriorityMedium {
		t.Errorf("action defaults not applied: %+v", notify)
	}
}

// TestRuleLifecycle covers update, list, delete and not-found handling
func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deal := f.addRule(t, largeDealRule())
	lead := f.addRule(t, RuleInput{Name: "lead", EntityType: "LEAD", TriggerType: "CREATE", Actions: []ActionDefinition{notifyAssignee("x", "")}})
	if _, err := f.engine.Deactivate(ctx, lead.ID); err != nil {
		t.Fatalf("Deactivate() failed: %v", err)
	}

	rules, total, err := f.engine.ListRules(ctx, ListFilter{})
	if err != nil || total != 2 || len(rules) != 2 {
		t.Fatalf("ListRules() = %d rules, total %d, err %v", len(rules), total, err)
	}
	rules, total, _ = f.engine.ListRules(ctx, ListFilter{EntityType: entity.TypeLead, Status: StatusInactive})
	if total != 1 || rules[0].ID != lead.ID {
		t.Errorf("filtered listing wrong: total %d", total)
	}
	if _, total, _ = f.engine.ListRules(ctx, ListFilter{TriggerType: TriggerScheduled}); total != 0 {
		t.Errorf("expected no SCHEDULED rules, got %d", total)
	}
	rules, total, _ = f.engine.ListRules(ctx, ListFilter{Offset: 1, Limit: 1})
	if total != 2 || len(rules) != 1 || rules[0].ID != lead.ID {
		t.Errorf("paged listing wrong: total %d, %d rules", total, len(rules))
	}

	in := largeDealRule()
	in.Conditions[0].Value = "20000"
	updated, err := f.engine.UpdateRule(ctx, deal.ID, in)
	if err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if updated.ID != deal.ID || updated.CreatedBy != "admin-1" || !updated.CreatedAt.Equal(deal.CreatedAt) {
		t.Errorf("update should keep identity: %+v", updated)
	}
	if summary := f.engine.Dispatch(ctx, createEvent(testDeal())); summary.Matched != 0 {
		t.Error("updated threshold should no longer match 15000")
	}

	if err := f.engine.DeleteRule(ctx, deal.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := f.engine.GetRule(ctx, deal.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
	if err := f.engine.DeleteRule(ctx, deal.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second delete should be ErrRuleNotFound, got %v", err)
	}
	if _, err := f.engine.Deactivate(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

// TestEngineTest verifies a stored rule can be tried without side effects
func TestEngineTest(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, largeDealRule())

	result, err := f.engine.Test(context.Background(), rule.ID, testDeal())
	if err != nil {
		t.Fatalf("Test() failed: %v", err)
	}
	if !result.Matched {
		t.Error("rule should match")
	}
	if len(f.notifier.Sent()) != 0 {
		t.Error("Test() should not run actions")
	}

	lead := testDeal()
	lead.Type = entity.TypeLead
	if _, err := f.engine.Test(context.Background(), rule.ID, lead); err == nil {
		t.Error("expected entity type mismatch error")
	}
}

// TestScheduledRules verifies only active SCHEDULED rules are returned
func TestScheduledRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notify := []ActionDefinition{notifyAssignee("stale", "")}

	nightly := f.addRule(t, RuleInput{Name: "nightly", EntityType: "DEAL", TriggerType: "SCHEDULED", Schedule: "0 2 * * *", Actions: notify})
	paused := f.addRule(t, RuleInput{Name: "paused", EntityType: "LEAD", TriggerType: "SCHEDULED", Schedule: "@hourly", Actions: notify})
	f.addRule(t, largeDealRule())
	f.engine.Deactivate(ctx, paused.ID)

	scheduled, err := f.engine.ScheduledRules(ctx)
	if err != nil {
		t.Fatalf("ScheduledRules() failed: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].ID != nightly.ID {
		t.Errorf("unexpected scheduled rules: %v", scheduled)
	}
}
