package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/dealflow/entity"
)

const ruleColumns = `id, name, description, entity_type, trigger_type, trigger_events, trigger_fields,
	schedule, conditions, actions, status, execution_count, workflow_id, step_id, status_id,
	created_by, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific tenant
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*BusinessRule, error) {
	var (
		r                  BusinessRule
		entityType         string
		conditions, action []byte
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &entityType, &r.TriggerType,
		pq.Array(&r.TriggerEvents), pq.Array(&r.TriggerFields),
		&r.Schedule, &conditions, &action, &r.Status, &r.ExecutionCount,
		&r.WorkflowID, &r.StepID, &r.StatusID,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.EntityType = entity.Type(entityType)

	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
	}
	var defs []ActionDefinition
	if err := json.Unmarshal(action, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode actions of rule %s: %w", r.ID, err)
	}
	if r.Actions, err = DecodeActions(defs); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeDefinition(rule *BusinessRule) (conditions, actions string, err error) {
	c, err := json.Marshal(nonNil(rule.Conditions))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	a, err := json.Marshal(EncodeActions(rule.Actions))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions: %w", err)
	}
	return string(c), string(a), nil
}

func nonNil(c []Condition) []Condition {
	if c == nil {
		return []Condition{}
	}
	return c
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *BusinessRule) error {
	conditions, actions, err := encodeDefinition(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_rules (tenant_id, `+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, s.tenantID, rule.ID, rule.Name, rule.Description, string(rule.EntityType), rule.TriggerType,
		pq.Array(rule.TriggerEvents), pq.Array(rule.TriggerFields),
		rule.Schedule, conditions, actions, rule.Status, rule.ExecutionCount,
		rule.WorkflowID, rule.StepID, rule.StatusID,
		rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("rule with ID %s already exists", rule.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*BusinessRule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns the filtered page and the unpaged total
func (s *PostgresRuleStore) List(ctx context.Context, filter ListFilter) ([]*BusinessRule, int, error) {
	const where = `WHERE tenant_id = $1
		AND ($2 = '' OR entity_type = $2)
		AND ($3 = '' OR trigger_type = $3)
		AND ($4 = '' OR status = $4)`

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM business_rules `+where,
		s.tenantID, string(filter.EntityType), string(filter.TriggerType), string(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}
	rules, err := s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules `+where+`
		ORDER BY created_at ASC, id ASC
		LIMIT $5 OFFSET $6
	`, s.tenantID, string(filter.EntityType), string(filter.TriggerType), string(filter.Status), limit, max(filter.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// ListActive returns active rules for the entity type and trigger
func (s *PostgresRuleStore) ListActive(ctx context.Context, entityType entity.Type, trigger TriggerType) ([]*BusinessRule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE tenant_id = $1 AND status = $2 AND entity_type = $3 AND trigger_type = $4
		ORDER BY created_at ASC, id ASC
	`, s.tenantID, StatusActive, string(entityType), trigger)
}

func (s *PostgresRuleStore) query(ctx context.Context, query string, args ...any) ([]*BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	rulesList := []*BusinessRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update replaces the definition, preserving CreatedAt and ExecutionCount
func (s *PostgresRuleStore) Update(ctx context.Context, rule *BusinessRule) error {
	conditions, actions, err := encodeDefinition(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		UPDATE business_rules
		SET name = $1, description = $2, entity_type = $3, trigger_type = $4,
			trigger_events = $5, trigger_fields = $6, schedule = $7,
			conditions = $8, actions = $9, status = $10,
			workflow_id = $11, step_id = $12, status_id = $13, updated_at = $14
		WHERE id = $15 AND tenant_id = $16
		RETURNING created_at, execution_count
	`, rule.Name, rule.Description, string(rule.EntityType), rule.TriggerType,
		pq.Array(rule.TriggerEvents), pq.Array(rule.TriggerFields), rule.Schedule,
		conditions, actions, rule.Status,
		rule.WorkflowID, rule.StepID, rule.StatusID, rule.UpdatedAt,
		rule.ID, s.tenantID).Scan(&rule.CreatedAt, &rule.ExecutionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

// SetStatus changes a rule's status
func (s *PostgresRuleStore) SetStatus(ctx context.Context, id string, status Status) (*BusinessRule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE business_rules
		SET status = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
		RETURNING `+ruleColumns,
		status, time.Now().UTC(), id, s.tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set rule status: %w", err)
	}
	return rule, nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete rule", id, `
		DELETE FROM business_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
}

// IncrementExecutionCount adds one to the count in a single statement
func (s *PostgresRuleStore) IncrementExecutionCount(ctx context.Context, id string) error {
	return s.execOne(ctx, "increment execution count", id, `
		UPDATE business_rules
		SET execution_count = execution_count + 1
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
}

func (s *PostgresRuleStore) execOne(ctx context.Context, what, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}
