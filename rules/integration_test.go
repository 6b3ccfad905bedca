//go:build integration
// +build integration

package rules_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/testdb"
	"github.com/liamcoop/dealflow/rules"
)

func newRule(name string) *rules.BusinessRule {
	return &rules.BusinessRule{
		ID:            uuid.New().String(),
		Name:          name,
		EntityType:    entity.TypeDeal,
		TriggerType:   rules.TriggerFieldChange,
		TriggerEvents: []string{rules.EventStageChanged},
		TriggerFields: []string{rules.StepField, "amount"},
		Conditions: []rules.Condition{
			{Field: "amount", Operator: rules.OpGreaterThan, Value: "10000", LogicalOperator: rules.LogicalOr},
			{Field: "custom.region", Operator: rules.OpEquals, Value: "EMEA"},
		},
		Actions: []rules.Action{
			rules.NotifyUser{Target: rules.Target{Kind: rules.TargetAssignedUser}, Message: "{{entity.name}} moved", Priority: rules.PriorityHigh},
			rules.CreateTask{Target: rules.Target{Kind: rules.TargetSpecificUser, UserID: "user-9"}, Message: "Review", Priority: rules.PriorityLow, DueInDays: 3},
		},
		Status:     rules.StatusActive,
		WorkflowID: "wf-sales",
		CreatedBy:  "admin-1",
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()

	tenantID := testdb.CreateTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)

	rule := newRule("stage alert")
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != "stage alert" || retrieved.WorkflowID != "wf-sales" {
		t.Errorf("Unexpected rule: %+v", retrieved)
	}
	if len(retrieved.TriggerFields) != 2 || retrieved.TriggerEvents[0] != rules.EventStageChanged {
		t.Errorf("Trigger arrays not round-tripped: %v %v", retrieved.TriggerFields, retrieved.TriggerEvents)
	}
	if len(retrieved.Conditions) != 2 || retrieved.Conditions[0].LogicalOperator != rules.LogicalOr {
		t.Errorf("Conditions not round-tripped: %+v", retrieved.Conditions)
	}
	task, ok := retrieved.Actions[1].(rules.CreateTask)
	if !ok || task.Target.UserID != "user-9" || task.DueInDays != 3 {
		t.Errorf("Actions not round-tripped: %+v", retrieved.Actions)
	}

	active, err := store.ListActive(ctx, entity.TypeDeal, rules.TriggerFieldChange)
	if err != nil {
		t.Fatalf("Failed to list active rules: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Expected 1 active rule, got %d", len(active))
	}

	rule.Name = "renamed"
	rule.Conditions = nil
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}
	updated, _ := store.Get(ctx, rule.ID)
	if updated.Name != "renamed" || len(updated.Conditions) != 0 {
		t.Errorf("Update not applied: %+v", updated)
	}

	if _, err := store.SetStatus(ctx, rule.ID, rules.StatusInactive); err != nil {
		t.Fatalf("Failed to deactivate rule: %v", err)
	}
	active, _ = store.ListActive(ctx, entity.TypeDeal, rules.TriggerFieldChange)
	if len(active) != 0 {
		t.Errorf("Expected 0 active rules, got %d", len(active))
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
}

func TestPostgresRuleStore_TenantIsolation(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()

	storeA := rules.NewPostgresRuleStore(db, testdb.CreateTenant(t, db, "tenant-a"))
	storeB := rules.NewPostgresRuleStore(db, testdb.CreateTenant(t, db, "tenant-b"))

	ruleA := newRule("tenant-a-rule")
	ruleB := newRule("tenant-b-rule")
	if err := storeA.Add(ctx, ruleA); err != nil {
		t.Fatalf("Failed to add rule for tenant A: %v", err)
	}
	if err := storeB.Add(ctx, ruleB); err != nil {
		t.Fatalf("Failed to add rule for tenant B: %v", err)
	}

	if _, err := storeA.Get(ctx, ruleB.ID); err == nil {
		t.Error("Tenant A should not be able to see tenant B's rule")
	}
	if err := storeB.Delete(ctx, ruleA.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Error("Tenant B should not be able to delete tenant A's rule")
	}

	rulesA, total, err := storeA.List(ctx, rules.ListFilter{})
	if err != nil {
		t.Fatalf("Failed to list rules for tenant A: %v", err)
	}
	if total != 1 || rulesA[0].Name != "tenant-a-rule" {
		t.Errorf("Expected only tenant A's rule, got %d", total)
	}
}

func TestPostgresRuleStore_DuplicateAndMissing(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db, testdb.CreateTenant(t, db, "test-tenant"))

	rule := newRule("dup")
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	if err := store.Add(ctx, rule); err == nil {
		t.Error("Expected error when adding duplicate rule, got nil")
	}

	missing := newRule("missing")
	if err := store.Update(ctx, missing); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound on update, got %v", err)
	}
	if err := store.IncrementExecutionCount(ctx, missing.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound on increment, got %v", err)
	}
}

func TestPostgresRuleStore_ConcurrentIncrements(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db, testdb.CreateTenant(t, db, "test-tenant"))

	rule := newRule("counted")
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	const n = 25
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- store.IncrementExecutionCount(ctx, rule.ID) }()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}

	got, _ := store.Get(ctx, rule.ID)
	if got.ExecutionCount != n {
		t.Errorf("Expected execution count %d, got %d", n, got.ExecutionCount)
	}
}

func TestPostgresRuleStore_Paging(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()
	store := rules.NewPostgresRuleStore(db, testdb.CreateTenant(t, db, "test-tenant"))

	for i := 1; i <= 5; i++ {
		if err := store.Add(ctx, newRule(fmt.Sprintf("rule-%d", i))); err != nil {
			t.Fatalf("Failed to add rule %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond) // Ensure different timestamps
	}

	page, total, err := store.List(ctx, rules.ListFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Failed to list rules: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("Expected 2 of 5 rules, got %d of %d", len(page), total)
	}
	if page[0].Name != "rule-2" || page[1].Name != "rule-3" {
		t.Errorf("Rules are not ordered by created_at: %s, %s", page[0].Name, page[1].Name)
	}
}

func TestCascadingDelete(t *testing.T) {
	db := testdb.Start(t)
	ctx := context.Background()

	tenantID := testdb.CreateTenant(t, db, "test-tenant")
	store := rules.NewPostgresRuleStore(db, tenantID)
	if err := store.Add(ctx, newRule("doomed")); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	if _, err := db.Exec("DELETE FROM tenants WHERE id = $1", tenantID); err != nil {
		t.Fatalf("Failed to delete tenant: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM business_rules WHERE tenant_id = $1", tenantID).Scan(&count); err != nil {
		t.Fatalf("Failed to count rules: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 rules after tenant deletion, got %d", count)
	}
}
