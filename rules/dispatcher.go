package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/internal/metrics"
)

// DefaultConcurrency bounds how many rules are matched at once
const DefaultConcurrency = 8

// TriggerDispatcher selects the candidate rules for an event, matches them
// and runs the actions of those that match
type TriggerDispatcher struct {
	store       RuleStore
	cache       RulesCache
	matcher     *RuleMatcher
	executor    *ActionExecutor
	concurrency int
}

// DispatcherOption configures a TriggerDispatcher
type DispatcherOption func(*TriggerDispatcher)

// WithCache sets the active-rule cache
func WithCache(cache RulesCache) DispatcherOption {
	return func(d *TriggerDispatcher) { d.cache = cache }
}

// WithConcurrency sets how many rules are matched in parallel
func WithConcurrency(n int) DispatcherOption {
	return func(d *TriggerDispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewTriggerDispatcher creates a dispatcher over store
func NewTriggerDispatcher(store RuleStore, matcher *RuleMatcher, executor *ActionExecutor, opts ...DispatcherOption) *TriggerDispatcher {
	d := &TriggerDispatcher{
		store:       store,
		matcher:     matcher,
		executor:    executor,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch evaluates every candidate rule for ev. Rules are matched
// concurrently against the event snapshot, then matched rules run their
// actions one rule at a time in candidate order. Once started, a dispatch is
// not interrupted by ctx cancellation. It never returns an error; failures
// are reported in the summary.
func (d *TriggerDispatcher) Dispatch(ctx context.Context, ev Event) RuleEvaluationSummary {
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	summary := RuleEvaluationSummary{
		EntityID:    ev.Snapshot.ID,
		EntityType:  ev.EntityType,
		TriggerType: ev.TriggerType,
		Results:     []RuleResult{},
	}
	defer func() {
		summary.Duration = time.Since(start)
		metrics.DispatchDuration.WithLabelValues(string(ev.TriggerType)).Observe(summary.Duration.Seconds())
	}()

	candidates, err := d.candidates(ctx, ev)
	if err != nil {
		logger.Error("failed to load candidate rules",
			"entity_type", string(ev.EntityType),
			"trigger_type", string(ev.TriggerType),
			"error", err,
		)
		summary.Error = err
		return summary
	}

	results := make([]RuleResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, rule := range candidates {
		g.Go(func() error {
			results[i] = d.match(rule, ev)
			return nil
		})
	}
	_ = g.Wait()

	for i, rule := range candidates {
		if results[i].Matched {
			d.execute(ctx, rule, ev, &results[i])
		}
		summary.Evaluated++
		if results[i].Matched {
			summary.Matched++
		}
		if results[i].Outcome == OutcomePartiallyFailed || results[i].Outcome == OutcomeErrored {
			summary.Failed++
		}
		metrics.RulesEvaluated.WithLabelValues(string(ev.EntityType), string(ev.TriggerType), string(results[i].Outcome)).Inc()
	}
	summary.Results = results

	logger.Debug("dispatch complete",
		"entity_id", ev.Snapshot.ID,
		"trigger_type", string(ev.TriggerType),
		"evaluated", summary.Evaluated,
		"matched", summary.Matched,
		"failed", summary.Failed,
	)
	return summary
}

// candidates returns the active rules that apply to the event, in creation order
func (d *TriggerDispatcher) candidates(ctx context.Context, ev Event) ([]*BusinessRule, error) {
	active, err := d.activeRules(ctx, ev)
	if err != nil {
		return nil, err
	}

	var out []*BusinessRule
	for _, rule := range active {
		if applies(rule, ev) {
			out = append(out, rule)
			continue
		}
		logger.Trace("rule skipped by trigger scope", "rule_id", rule.ID, "entity_id", ev.Snapshot.ID)
	}
	return out, nil
}

func (d *TriggerDispatcher) activeRules(ctx context.Context, ev Event) ([]*BusinessRule, error) {
	if d.cache != nil {
		if cached, ok := d.cache.Get(ev.EntityType, ev.TriggerType); ok {
			return cached, nil
		}
	}
	active, err := d.store.ListActive(ctx, ev.EntityType, ev.TriggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	if d.cache != nil {
		d.cache.Set(ev.EntityType, ev.TriggerType, active)
	}
	return active, nil
}

// applies reports whether a rule's trigger and scope admit the event
func applies(rule *BusinessRule, ev Event) bool {
	if !rule.Active() || rule.EntityType != ev.EntityType || rule.TriggerType != ev.TriggerType {
		return false
	}
	if len(ev.RuleIDs) > 0 && !slices.Contains(ev.RuleIDs, rule.ID) {
		return false
	}
	if ev.TriggerType == TriggerFieldChange && len(rule.TriggerFields) > 0 {
		if !slices.ContainsFunc(rule.TriggerFields, func(f string) bool {
			return slices.Contains(ev.ChangedFields, f)
		}) {
			return false
		}
	}
	if ev.Lifecycle != "" && len(rule.TriggerEvents) > 0 {
		if !slices.ContainsFunc(rule.TriggerEvents, func(e string) bool {
			return strings.EqualFold(e, ev.Lifecycle)
		}) {
			return false
		}
	}

	s := ev.Snapshot
	if rule.WorkflowID != "" && rule.WorkflowID != s.WorkflowID {
		return false
	}
	if rule.StepID != "" && rule.StepID != s.CurrentStepID {
		return false
	}
	if rule.StatusID != "" && rule.StatusID != s.CurrentStatusID {
		return false
	}
	return true
}

func (d *TriggerDispatcher) match(rule *BusinessRule, ev Event) (result RuleResult) {
	result = RuleResult{RuleID: rule.ID, RuleName: rule.Name, Outcome: OutcomeNotMatched}
	defer func() {
		if r := recover(); r != nil {
			result.Matched = false
			result.Outcome = OutcomeErrored
			result.Error = fmt.Errorf("rule %s panicked during matching: %v", rule.ID, r)
			logger.Error("rule matching panicked", "rule_id", rule.ID, "panic", r)
		}
	}()

	result.Matched, result.Diagnostics = d.matcher.Match(rule, ev.Snapshot)
	return result
}

func (d *TriggerDispatcher) execute(ctx context.Context, rule *BusinessRule, ev Event, result *RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeErrored
			result.Error = fmt.Errorf("rule %s panicked during execution: %v", rule.ID, r)
			logger.Error("rule execution panicked", "rule_id", rule.ID, "panic", r)
		}
	}()

	rc := RuleContext{RuleID: rule.ID, RuleName: rule.Name, ActorUserID: ev.ActorUserID}
	result.Actions = d.executor.Execute(ctx, rule.Actions, ev.Snapshot, rc)

	failed := 0
	for _, a := range result.Actions {
		if !a.Succeeded {
			failed++
		}
	}
	if failed == 0 {
		result.Outcome = OutcomeSucceeded
	} else {
		result.Outcome = OutcomePartiallyFailed
	}

	if err := d.store.IncrementExecutionCount(ctx, rule.ID); err != nil {
		logger.Warn("failed to increment execution count", "rule_id", rule.ID, "error", err)
	}
}
