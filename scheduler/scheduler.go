// Package scheduler runs SCHEDULED rules on their cron schedules
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/internal/logger"
	"github.com/liamcoop/dealflow/internal/metrics"
	"github.com/liamcoop/dealflow/rules"
)

// DefaultResyncInterval is how often rule schedules are reloaded from the store
const DefaultResyncInterval = time.Minute

// RuleSource lists scheduled rules and dispatches their events; *rules.Engine satisfies it
type RuleSource interface {
	ScheduledRules(ctx context.Context) ([]*rules.BusinessRule, error)
	Dispatch(ctx context.Context, ev rules.Event) rules.RuleEvaluationSummary
}

type entry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler keeps one cron entry per active SCHEDULED rule. Each firing
// evaluates the rule against every entity of its type.
type Scheduler struct {
	cron     *cron.Cron
	source   RuleSource
	entities entity.Lister
	resync   time.Duration
	entries  map[string]entry
	mu       sync.Mutex
}

// New creates a scheduler. A resync of 0 uses DefaultResyncInterval.
func New(source RuleSource, entities entity.Lister, resync time.Duration) *Scheduler {
	if resync <= 0 {
		resync = DefaultResyncInterval
	}
	log := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		source:   source,
		entities: entities,
		resync:   resync,
		entries:  make(map[string]entry),
	}
}

// Start loads the current schedules and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Schedule(cron.Every(s.resync), cron.FuncJob(func() {
		if err := s.Sync(context.Background()); err != nil {
			logger.Error("failed to resync rule schedules", "error", err)
		}
	}))
	s.cron.Start()
	logger.Info("rule scheduler started", "rules", s.Len(), "resync", s.resync.String())
	return nil
}

// Stop halts the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Len returns the number of scheduled rules
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sync adds entries for new rules, replaces entries whose schedule changed,
// and removes entries for rules that are gone or no longer active
func (s *Scheduler) Sync(ctx context.Context) error {
	scheduled, err := s.source.ScheduledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduled rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(scheduled))
	for _, rule := range scheduled {
		seen[rule.ID] = true
		if existing, ok := s.entries[rule.ID]; ok {
			if existing.schedule == rule.Schedule {
				continue
			}
			s.cron.Remove(existing.id)
			delete(s.entries, rule.ID)
		}

		schedule, err := rules.ParseSchedule(rule.Schedule)
		if err != nil {
			logger.Warn("skipping rule with invalid schedule", "rule_id", rule.ID, "schedule", rule.Schedule, "error", err)
			continue
		}
		ruleID := rule.ID
		id := s.cron.Schedule(schedule, cron.FuncJob(func() {
			if _, err := s.RunRule(context.Background(), ruleID); err != nil {
				logger.Error("scheduled rule run failed", "rule_id", ruleID, "error", err)
			}
		}))
		s.entries[rule.ID] = entry{id: id, schedule: rule.Schedule}
	}

	for ruleID, e := range s.entries {
		if !seen[ruleID] {
			s.cron.Remove(e.id)
			delete(s.entries, ruleID)
		}
	}
	return nil
}

// RunResult summarizes one firing of a scheduled rule
type RunResult struct {
	RuleID    string
	Evaluated int
	Matched   int
	Failed    int
}

// RunRule evaluates one scheduled rule against every entity of its type
func (s *Scheduler) RunRule(ctx context.Context, ruleID string) (RunResult, error) {
	rule, err := s.lookup(ctx, ruleID)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues("failed").Inc()
		return RunResult{}, err
	}

	snapshots, err := s.entities.ListByType(ctx, rule.EntityType)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues("failed").Inc()
		return RunResult{}, fmt.Errorf("failed to list %s entities: %w", rule.EntityType, err)
	}

	result := RunResult{RuleID: ruleID}
	for _, snapshot := range snapshots {
		summary := s.source.Dispatch(ctx, rules.Event{
			EntityType:  rule.EntityType,
			TriggerType: rules.TriggerScheduled,
			Lifecycle:   rules.EventScheduled,
			Snapshot:    snapshot,
			RuleIDs:     []string{ruleID},
		})
		result.Evaluated += summary.Evaluated
		result.Matched += summary.Matched
		result.Failed += summary.Failed
	}

	outcome := "succeeded"
	if result.Failed > 0 {
		outcome = "partially_failed"
	}
	metrics.ScheduledRuns.WithLabelValues(outcome).Inc()

	logger.Info("scheduled rule run complete",
		"rule_id", ruleID,
		"entities", len(snapshots),
		"matched", result.Matched,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *Scheduler) lookup(ctx context.Context, ruleID string) (*rules.BusinessRule, error) {
	scheduled, err := s.source.ScheduledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled rules: %w", err)
	}
	for _, rule := range scheduled {
		if rule.ID == ruleID {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not an active scheduled rule", rules.ErrRuleNotFound, ruleID)
}

// cronLogger routes cron's own logging through the service logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
