// Package tasks stores the follow-up tasks and timeline activities created
// by rule actions
package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/liamcoop/dealflow/rules"
)

// Store persists tasks and activities and lists them back.
// Implementations satisfy rules.TaskCreator and rules.ActivityCreator.
type Store interface {
	CreateTask(ctx context.Context, task rules.Task) error
	CreateActivity(ctx context.Context, activity rules.Activity) error

	// OpenTasks lists an assignee's uncompleted tasks, earliest due first
	OpenTasks(ctx context.Context, assigneeID string) ([]rules.Task, error)

	// Activities lists an entity's timeline, newest first
	Activities(ctx context.Context, entityID string) ([]rules.Activity, error)
}

// InMemoryStore implements Store using in-memory slices
type InMemoryStore struct {
	tasks      []rules.Task
	activities []rules.Activity
	mu         sync.RWMutex
}

// NewInMemoryStore creates an empty store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) CreateTask(_ context.Context, task rules.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *InMemoryStore) CreateActivity(_ context.Context, activity rules.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activity)
	return nil
}

func (s *InMemoryStore) OpenTasks(_ context.Context, assigneeID string) ([]rules.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rules.Task{}
	for _, t := range s.tasks {
		if t.AssigneeID == assigneeID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return dueBefore(out[i], out[j]) })
	return out, nil
}

func (s *InMemoryStore) Activities(_ context.Context, entityID string) ([]rules.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rules.Activity{}
	for i := len(s.activities) - 1; i >= 0; i-- {
		if s.activities[i].EntityID == entityID {
			out = append(out, s.activities[i])
		}
	}
	return out, nil
}

// dueBefore orders tasks with a due date ahead of those without
func dueBefore(a, b rules.Task) bool {
	switch {
	case a.DueAt == nil:
		return false
	case b.DueAt == nil:
		return true
	default:
		return a.DueAt.Before(*b.DueAt)
	}
}
