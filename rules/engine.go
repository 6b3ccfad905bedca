package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
)

// EngineConfig wires an Engine's collaborators and tuning
type EngineConfig struct {
	Collaborators Collaborators

	// CacheTTL bounds how long active rule lists are cached; 0 caches until the next mutation
	CacheTTL time.Duration

	// Concurrency bounds parallel rule matching during dispatch
	Concurrency int
}

// Engine is the entry point for authoring rules and dispatching events.
// All mutations go through the store and flush the active-rule cache.
type Engine struct {
	store      RuleStore
	cache      RulesCache
	registry   *entity.Registry
	conditions *ConditionEvaluator
	matcher    *RuleMatcher
	validator  *Validator
	executor   *ActionExecutor
	dispatcher *TriggerDispatcher
}

// NewEngine creates a rules engine over store
func NewEngine(store RuleStore, registry *entity.Registry, config EngineConfig) (*Engine, error) {
	conditions, err := NewConditionEvaluator(registry)
	if err != nil {
		return nil, err
	}

	cache := NewInMemoryRulesCache(CacheConfig{
		TTL:             config.CacheTTL,
		CleanupInterval: DefaultCacheConfig().CleanupInterval,
	})
	matcher := NewRuleMatcher(conditions)
	executor := NewActionExecutor(registry, config.Collaborators)

	return &Engine{
		store:      store,
		cache:      cache,
		registry:   registry,
		conditions: conditions,
		matcher:    matcher,
		validator:  NewValidator(registry, conditions),
		executor:   executor,
		dispatcher: NewTriggerDispatcher(store, matcher, executor,
			WithCache(cache),
			WithConcurrency(config.Concurrency),
		),
	}, nil
}

// AddRule validates and stores a new rule
func (en *Engine) AddRule(ctx context.Context, in RuleInput, createdBy string) (*BusinessRule, error) {
	rule, err := en.validator.Build(in)
	if err != nil {
		return nil, err
	}
	rule.ID = uuid.New().String()
	rule.CreatedBy = createdBy

	if err := en.store.Add(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to add rule: %w", err)
	}
	en.cache.Invalidate()

	logger.Info("business rule created",
		"rule_id", rule.ID,
		"entity_type", string(rule.EntityType),
		"trigger_type", string(rule.TriggerType),
	)
	return rule, nil
}

// UpdateRule replaces the definition of an existing rule
func (en *Engine) UpdateRule(ctx context.Context, id string, in RuleInput) (*BusinessRule, error) {
	existing, err := en.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule, err := en.validator.Build(in)
	if err != nil {
		return nil, err
	}
	rule.ID = existing.ID
	rule.CreatedBy = existing.CreatedBy

	if err := en.store.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	en.cache.Invalidate()
	return rule, nil
}

// Deactivate stops a rule from being selected by any later dispatch
func (en *Engine) Deactivate(ctx context.Context, id string) (*BusinessRule, error) {
	return en.setStatus(ctx, id, StatusInactive)
}

// Activate makes a rule eligible for dispatch again
func (en *Engine) Activate(ctx context.Context, id string) (*BusinessRule, error) {
	return en.setStatus(ctx, id, StatusActive)
}

func (en *Engine) setStatus(ctx context.Context, id string, status Status) (*BusinessRule, error) {
	rule, err := en.store.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	en.cache.Invalidate()
	logger.Info("business rule status changed", "rule_id", id, "status", string(status))
	return rule, nil
}

// DeleteRule removes a rule
func (en *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := en.store.Delete(ctx, id); err != nil {
		return err
	}
	en.cache.Invalidate()
	logger.Info("business rule deleted", "rule_id", id)
	return nil
}

// GetRule returns a rule by ID
func (en *Engine) GetRule(ctx context.Context, id string) (*BusinessRule, error) {
	return en.store.Get(ctx, id)
}

// ListRules returns a page of rules and the unpaged total
func (en *Engine) ListRules(ctx context.Context, filter ListFilter) ([]*BusinessRule, int, error) {
	return en.store.List(ctx, filter)
}

// ScheduledRules returns every active SCHEDULED rule across entity types
func (en *Engine) ScheduledRules(ctx context.Context) ([]*BusinessRule, error) {
	var scheduled []*BusinessRule
	for _, t := range entity.Types {
		active, err := en.store.ListActive(ctx, t, TriggerScheduled)
		if err != nil {
			return nil, fmt.Errorf("failed to list scheduled rules: %w", err)
		}
		scheduled = append(scheduled, active...)
	}
	return scheduled, nil
}

// Test matches a stored rule against a snapshot without running its actions
func (en *Engine) Test(ctx context.Context, id string, s entity.Snapshot) (RuleResult, error) {
	rule, err := en.store.Get(ctx, id)
	if err != nil {
		return RuleResult{}, err
	}
	if rule.EntityType != s.Type {
		problems := &ValidationError{}
		problems.add("rule %s applies to %s, not %s", id, rule.EntityType, s.Type)
		return RuleResult{}, problems
	}
	matched, diagnostics := en.matcher.Match(rule, s)
	outcome := OutcomeNotMatched
	if matched {
		outcome = OutcomeSucceeded
	}
	return RuleResult{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Matched:     matched,
		Outcome:     outcome,
		Diagnostics: diagnostics,
	}, nil
}

// Revalidate checks every stored rule against the current field registry and
// returns the problems keyed by rule ID. Call it after custom field
// declarations change; failing rules stay stored and keep failing closed.
func (en *Engine) Revalidate(ctx context.Context) (map[string]error, error) {
	all, _, err := en.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	en.cache.Invalidate()

	invalid := make(map[string]error)
	for _, rule := range all {
		if _, err := en.validator.Build(rule.Input()); err != nil {
			invalid[rule.ID] = err
		}
	}
	return invalid, nil
}

// Dispatch evaluates the rules triggered by ev
func (en *Engine) Dispatch(ctx context.Context, ev Event) RuleEvaluationSummary {
	return en.dispatcher.Dispatch(ctx, ev)
}
