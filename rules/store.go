package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/dealflow/entity"
)

// ListFilter narrows a rule listing. Zero values mean no restriction;
// a Limit of 0 returns every matching rule.
type ListFilter struct {
	EntityType  entity.Type
	TriggerType TriggerType
	Status      Status
	Offset      int
	Limit       int
}

// RuleStore manages business rule persistence for one tenant
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *BusinessRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*BusinessRule, error)

	// List rules in creation order with the total before paging
	List(ctx context.Context, filter ListFilter) ([]*BusinessRule, int, error)

	// ListActive returns active rules for an entity type and trigger, in creation order
	ListActive(ctx context.Context, entityType entity.Type, trigger TriggerType) ([]*BusinessRule, error)

	// Update replaces an existing rule's definition
	Update(ctx context.Context, rule *BusinessRule) error

	// SetStatus activates or deactivates a rule
	SetStatus(ctx context.Context, id string, status Status) (*BusinessRule, error)

	// Delete a rule
	Delete(ctx context.Context, id string) error

	// IncrementExecutionCount adds one to the rule's execution count
	IncrementExecutionCount(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Rules are copied on the way in and out.
type InMemoryRuleStore struct {
	rules map[string]*BusinessRule
	order []string
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*BusinessRule),
	}
}

// Add adds a new rule to the store, stamping CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(_ context.Context, rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns the filtered page and the unpaged total
func (s *InMemoryRuleStore) List(_ context.Context, filter ListFilter) ([]*BusinessRule, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BusinessRule
	for _, id := range s.order {
		rule := s.rules[id]
		if filter.EntityType != "" && rule.EntityType != filter.EntityType {
			continue
		}
		if filter.TriggerType != "" && rule.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		matched = append(matched, rule.Clone())
	}
	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

// ListActive returns active rules for the entity type and trigger
func (s *InMemoryRuleStore) ListActive(_ context.Context, entityType entity.Type, trigger TriggerType) ([]*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*BusinessRule
	for _, id := range s.order {
		rule := s.rules[id]
		if rule.Active() && rule.EntityType == entityType && rule.TriggerType == trigger {
			active = append(active, rule.Clone())
		}
	}
	return active, nil
}

// Update replaces the definition, preserving CreatedAt and ExecutionCount
func (s *InMemoryRuleStore) Update(_ context.Context, rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.ExecutionCount = existing.ExecutionCount
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// SetStatus changes a rule's status
func (s *InMemoryRuleStore) SetStatus(_ context.Context, id string, status Status) (*BusinessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule.Status = status
	rule.UpdatedAt = time.Now().UTC()
	return rule.Clone(), nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// IncrementExecutionCount adds one to the rule's execution count
func (s *InMemoryRuleStore) IncrementExecutionCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule.ExecutionCount++
	return nil
}

func page(rules []*BusinessRule, offset, limit int) []*BusinessRule {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rules) {
		return []*BusinessRule{}
	}
	rules = rules[offset:]
	if limit > 0 && limit < len(rules) {
		rules = rules[:limit]
	}
	return rules
}
