package tasks

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/liamcoop/dealflow/entity"
	"github.com/liamcoop/dealflow/rules"
)

// PostgresStore implements Store backed by PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresStore creates a PostgreSQL-backed task store for a specific tenant
func NewPostgresStore(db *sql.DB, tenantID string) *PostgresStore {
	return &PostgresStore{
		db:       db,
		tenantID: tenantID,
	}
}

func (p *PostgresStore) CreateTask(ctx context.Context, task rules.Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (tenant_id, id, title, assignee_id, entity_id, entity_type,
			priority, due_at, rule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.tenantID, task.ID, task.Title, task.AssigneeID, task.EntityID, string(task.EntityType),
		string(task.Priority), task.DueAt, task.RuleID, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateActivity(ctx context.Context, activity rules.Activity) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO activities (tenant_id, id, type, body, user_id, entity_id, entity_type,
			rule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.tenantID, activity.ID, activity.Type, activity.Body, activity.UserID, activity.EntityID,
		string(activity.EntityType), activity.RuleID, activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

func (p *PostgresStore) OpenTasks(ctx context.Context, assigneeID string) ([]rules.Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, assignee_id, entity_id, entity_type, priority, due_at, rule_id, created_at
		FROM tasks
		WHERE tenant_id = $1 AND assignee_id = $2 AND NOT completed
		ORDER BY due_at ASC NULLS LAST, created_at ASC
	`, p.tenantID, assigneeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := []rules.Task{}
	for rows.Next() {
		var (
			t          rules.Task
			entityType string
			priority   string
			due        sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.AssigneeID, &t.EntityID, &entityType,
			&priority, &due, &t.RuleID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.EntityType = entity.Type(entityType)
		t.Priority = rules.Priority(priority)
		if due.Valid {
			d := due.Time
			t.DueAt = &d
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Activities(ctx context.Context, entityID string) ([]rules.Activity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, body, user_id, entity_id, entity_type, rule_id, created_at
		FROM activities
		WHERE tenant_id = $1 AND entity_id = $2
		ORDER BY created_at DESC
	`, p.tenantID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	out := []rules.Activity{}
	for rows.Next() {
		var (
			a          rules.Activity
			entityType string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Body, &a.UserID, &a.EntityID, &entityType,
			&a.RuleID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.EntityType = entity.Type(entityType)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}
	return out, nil
}
